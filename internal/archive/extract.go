package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"taskbench/internal/model"
)

// Extract 把 zip 归档安全解压到 destDir
//
// 解压前逐条检查成员路径：
//  1. 拒绝绝对路径
//  2. 拒绝逃逸出 destDir 的路径（.. 穿越）
//
// 任一成员不安全则整个归档拒绝，不做部分解压。
func Extract(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return model.NewValidationError("invalid zip archive: %v", err)
	}
	defer r.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("failed to resolve destination: %w", err)
	}

	// 先整体检查再解压
	for _, f := range r.File {
		if err := checkMemberPath(absDest, f.Name); err != nil {
			return err
		}
	}

	for _, f := range r.File {
		if err := extractMember(absDest, f); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

// checkMemberPath 校验单个成员路径不会逃逸出目标目录
func checkMemberPath(absDest, name string) error {
	if filepath.IsAbs(name) || strings.HasPrefix(normalizePath(name), "/") {
		return model.NewValidationError("unsafe zip content: absolute path detected")
	}

	target := filepath.Join(absDest, filepath.FromSlash(normalizePath(name)))
	if target != absDest && !strings.HasPrefix(target, absDest+string(os.PathSeparator)) {
		return model.NewValidationError("unsafe zip content: path traversal detected")
	}
	return nil
}

func extractMember(absDest string, f *zip.File) error {
	target := filepath.Join(absDest, filepath.FromSlash(normalizePath(f.Name)))

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
