// Package archive 任务归档校验与安全解压
//
// 任务以 zip 归档提交，进入执行管线前先做结构校验：
//   - task.yaml 任务描述
//   - solution.yaml 或 solution.sh 参考解法
//   - tests/（或 test/）目录下的 test_outputs.py 验收测试
//   - 恰好一个 Dockerfile，或一个 docker-compose.yaml/.yml
//
// 校验按文件基础名匹配，允许归档把内容包在任意一层顶级目录里。
package archive

import (
	"archive/zip"
	"path"
	"strings"

	"taskbench/internal/model"
)

// Flavor 归档的容器化方式
type Flavor string

const (
	// FlavorDockerfile 单 Dockerfile 构建
	FlavorDockerfile Flavor = "dockerfile"

	// FlavorCompose docker-compose 编排
	// 上传校验接受该形态，但执行管线目前只支持 Dockerfile 构建，
	// compose 任务会在构建阶段转入 errored
	FlavorCompose Flavor = "compose"
)

// Layout 归档校验结果
type Layout struct {
	Files         []string // 归一化后的全部文件路径
	Flavor        Flavor   // 容器化方式
	DockerfileDir string   // Dockerfile 所在目录（相对归档根，"" 表示根）
}

// normalizePath 归一化路径便于比较
//
// 反斜杠转正斜杠、去掉开头的 ./、压掉重复斜杠、去除首尾空白。
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func pathParts(p string) []string {
	var parts []string
	for _, part := range strings.Split(normalizePath(p), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func baseName(p string) string {
	parts := pathParts(p)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ValidateNames 对文件名列表做结构校验
//
// 供 Validate 调用；也可直接对已解压目录的文件清单使用。
func ValidateNames(names []string) (*Layout, error) {
	files := make([]string, 0, len(names))
	seen := make(map[string]bool)
	for _, n := range names {
		p := normalizePath(n)
		if p == "" || strings.HasSuffix(p, "/") {
			continue // 目录条目
		}
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	// tests/ 或 test/ 目录下必须有 test_outputs.py
	hasTestOutputs := false
	for _, p := range files {
		parts := pathParts(p)
		if len(parts) == 0 || parts[len(parts)-1] != "test_outputs.py" {
			continue
		}
		for _, dir := range parts[:len(parts)-1] {
			if dir == "tests" || dir == "test" {
				hasTestOutputs = true
				break
			}
		}
		if hasTestOutputs {
			break
		}
	}

	hasSolution := false
	hasTaskYaml := false
	hasCompose := false
	dockerfileCount := 0
	dockerfileDir := ""
	for _, p := range files {
		switch baseName(p) {
		case "solution.yaml", "solution.sh":
			hasSolution = true
		case "task.yaml":
			hasTaskYaml = true
		case "docker-compose.yaml", "docker-compose.yml":
			hasCompose = true
		case "Dockerfile":
			dockerfileCount++
			dockerfileDir = path.Dir(p)
			if dockerfileDir == "." {
				dockerfileDir = ""
			}
		}
	}
	dockerOK := hasCompose || dockerfileCount == 1

	var problems []string
	if !hasTestOutputs {
		problems = append(problems, "missing tests/test_outputs.py (must be inside a 'tests' or 'test' directory)")
	}
	if !hasSolution {
		problems = append(problems, "missing solution.yaml or solution.sh")
	}
	if !hasTaskYaml {
		problems = append(problems, "missing task.yaml")
	}
	if !dockerOK {
		if dockerfileCount == 0 {
			problems = append(problems, "missing Dockerfile or docker-compose.yaml")
		} else {
			problems = append(problems, "multiple Dockerfile files found; provide exactly one Dockerfile or use docker-compose.yaml")
		}
	}
	if len(problems) > 0 {
		return nil, model.NewValidationError("%s", strings.Join(problems, "; "))
	}

	flavor := FlavorDockerfile
	if dockerfileCount != 1 {
		flavor = FlavorCompose
		dockerfileDir = ""
	}

	return &Layout{
		Files:         files,
		Flavor:        flavor,
		DockerfileDir: dockerfileDir,
	}, nil
}

// Validate 打开 zip 归档并校验其结构
func Validate(zipPath string) (*Layout, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, model.NewValidationError("invalid zip archive: %v", err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return ValidateNames(names)
}
