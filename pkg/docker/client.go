// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库
// 提供镜像构建、容器生命周期管理和日志跟随能力，用于任务执行流程
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name        string            // 容器名称
	Image       string            // 镜像名称
	Env         []string          // 环境变量
	WorkingDir  string            // 工作目录
	Labels      map[string]string // 容器标签（按 Run 定位容器的唯一依据）
	Tty         bool              // 是否分配TTY
	CPULimit    float64           // CPU 限制（核数，0 表示不限制）
	MemoryLimit int64             // 内存限制（字节，0 表示不限制）
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// buildMessage 构建日志流中的单条 JSON 消息
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// BuildImage 从目录构建镜像
//
// contextDir 整个打包为构建上下文，Dockerfile 须位于目录根。
// 构建日志逐行回调 onLine（可为 nil），构建失败返回守护进程报告的错误。
func (c *Client) BuildImage(ctx context.Context, contextDir, tag string, onLine func(string)) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, client.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	// 响应体是 JSON 行流，构建错误也经由流内字段报告
	dec := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("image build failed: %s", msg.Error)
		}
		if msg.Stream != "" && onLine != nil {
			for _, line := range strings.Split(strings.TrimRight(msg.Stream, "\n"), "\n") {
				if line != "" {
					onLine(line)
				}
			}
		}
	}
	return nil
}

// RemoveImage 删除镜像
func (c *Client) RemoveImage(ctx context.Context, imageRef string, force bool) error {
	_, err := c.cli.ImageRemove(ctx, imageRef, client.ImageRemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	return err
}

// CreateContainer 创建容器
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	opts := client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Env:          cfg.Env,
			WorkingDir:   cfg.WorkingDir,
			Labels:       cfg.Labels,
			Tty:          cfg.Tty,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{},
	}

	// 设置资源限制
	if cfg.CPULimit > 0 || cfg.MemoryLimit > 0 {
		opts.HostConfig.Resources = container.Resources{
			NanoCPUs: int64(cfg.CPULimit * 1e9),
			Memory:   cfg.MemoryLimit,
		}
	}

	result, err := c.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// StopContainer 停止容器
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *int) error {
	opts := client.ContainerStopOptions{}
	if timeout != nil {
		opts.Timeout = timeout
	}
	_, err := c.cli.ContainerStop(ctx, containerID, opts)
	return err
}

// RemoveContainer 删除容器
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	return err
}

// ContainerExists 检查容器是否存在
func (c *Client) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	_, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsContainerRunning 检查容器是否在运行
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	result, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return result.Container.State.Running, nil
}

// WaitContainer 等待容器退出
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitResult := c.cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, err
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return resp.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// FollowLogs 跟随容器日志流
//
// 返回的流在容器退出并输出排空后由守护进程关闭。
// Tty 容器的流是 stdout/stderr 合并后的原始字节，无多路复用帧头。
func (c *Client) FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ContainerLogs 获取容器日志快照
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     false,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
