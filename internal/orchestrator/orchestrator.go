// Package orchestrator 任务执行编排
//
// 每次 Execute 调用驱动一个 Run 走完完整状态机：
//
//	init → preparing → building → starting → running → succeeded/failed
//
// 任一阶段异常直接转入 errored。Execute 立即返回，执行在后台 goroutine
// 中推进；提交之后的一切失败都不再抛给调用方，而是转化为带 isError
// 标记的终态消息，只通过回放缓冲区和实时通道可见。
//
// 执行隔离模型：
//  1. 归档解压到独立的每 Run 暂存目录（防路径穿越见 archive 包）
//  2. 从暂存目录构建一次性镜像，容器不依赖宿主机挂载
//  3. 容器打 owner/task/run 标签，同名任务并发执行互不干扰
//
// 清理不对称性（有意保留）：镜像与暂存目录无条件清理；容器只在成功
// 时删除，失败/出错时留存现场供事后检查。
package orchestrator

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"taskbench/internal/archive"
	"taskbench/internal/history"
	"taskbench/internal/live"
	"taskbench/internal/model"
	"taskbench/internal/storage"
	"taskbench/pkg/docker"
	"taskbench/pkg/logging"

	"github.com/containerd/errdefs"
)

// 容器标签键：系统定位容器只依赖标签，不依赖容器名
const (
	LabelOwner = "taskbench.owner"
	LabelTask  = "taskbench.task"
	LabelRun   = "taskbench.run"
)

// imageRepo 一次性镜像的仓库名
const imageRepo = "taskbench-run"

// DefaultDrainTimeout 容器退出后日志流的默认排空上限
const DefaultDrainTimeout = 5 * time.Second

// ImageTag 生成 Run 的一次性镜像标签
func ImageTag(runID string) string {
	return imageRepo + ":" + model.ShortID(runID)
}

// nameRe 任务名与提交者标识的合法字符集（与容器命名规则一致）
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ============================================================================
// 容器运行时接口
// ============================================================================

// ContainerRuntime 执行管线依赖的容器运行时能力
//
// 生产实现为 pkg/docker 的 Client，测试注入 fake。
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, contextDir, tag string, onLine func(string)) error
	RemoveImage(ctx context.Context, imageRef string, force bool) error
	CreateContainer(ctx context.Context, cfg *docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	RemoveContainer(ctx context.Context, containerID string, force bool) error
}

var _ ContainerRuntime = (*docker.Client)(nil)

// ============================================================================
// 配置与依赖
// ============================================================================

// Config 编排器配置
type Config struct {
	StagingDir   string        // 暂存目录根，空则使用系统临时目录
	DrainTimeout time.Duration // 容器退出后日志排空上限，<=0 用默认值
	CPULimit     float64       // 每容器 CPU 限制（核数，0 不限制）
	MemoryLimit  int64         // 每容器内存限制（字节，0 不限制）
}

// Deps 编排器的协作方
type Deps struct {
	Runtime  ContainerRuntime     // 容器运行时（必须）
	Buffer   storage.ReplayBuffer // 回放缓冲区（必须）
	Live     *live.Registry       // 实时通道注册表（必须）
	Registry storage.RunRegistry  // 运行登记表（必须）
	History  history.Store        // 运行历史，可为 nil（不记历史）
	Logger   *logging.Logger      // 日志器，nil 时使用默认
	Metrics  *Metrics             // 指标，可为 nil
}

// Orchestrator 任务执行编排器
type Orchestrator struct {
	cfg      Config
	runtime  ContainerRuntime
	buffer   storage.ReplayBuffer
	live     *live.Registry
	registry storage.RunRegistry
	history  history.Store
	logger   *logging.Logger
	metrics  *Metrics
}

// New 创建编排器
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default("orchestrator")
	}
	return &Orchestrator{
		cfg:      cfg,
		runtime:  deps.Runtime,
		buffer:   deps.Buffer,
		live:     deps.Live,
		registry: deps.Registry,
		history:  deps.History,
		logger:   logger,
		metrics:  deps.Metrics,
	}
}

// ============================================================================
// 提交入口
// ============================================================================

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	TaskID      string // 任务 ID，空则自动分配
	TaskName    string // 任务名称（归档内的任务目录名）
	Owner       string // 提交者身份
	ArchivePath string // 本地归档路径；文件由编排器接管，执行结束后删除
}

// ExecuteResult 提交回执，Run 已在后台启动
type ExecuteResult struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	StreamPath string `json:"stream_path"`
}

// Execute 提交一次任务执行
//
// 同步阶段只做输入校验、运行时可达性检查和记录登记，随后立即返回；
// 解压、构建、运行全部在后台推进。同一任务允许并发多次提交，每次
// 分配全新 runID，登记表标记为后写覆盖。
//
// 同步返回的错误类型：
//   - ValidationError: 输入不合法
//   - NotFoundError: 归档文件不存在
//   - ResourceUnavailableError: 容器运行时不可达
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.ArchivePath); err != nil {
		return nil, model.NewNotFoundError("task archive", req.ArchivePath)
	}
	if err := o.runtime.Ping(ctx); err != nil {
		return nil, model.NewResourceUnavailableError(err)
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = generateID("task")
	}
	runID := generateID("run")

	run := &model.Run{
		RunID:     runID,
		TaskID:    taskID,
		TaskName:  req.TaskName,
		Owner:     req.Owner,
		State:     model.StateInit,
		CreatedAt: time.Now(),
	}

	rl := o.logger.WithRunID(runID).WithTaskID(taskID).WithOwner(req.Owner)

	// 登记与历史都是尽力而为：记录设施故障不阻止执行
	if err := o.registry.SetActiveRun(ctx, req.Owner, req.TaskName, runID); err != nil {
		rl.WithError(err).Warn("Run registry mark failed")
	}
	if o.history != nil {
		if err := o.history.CreateRun(ctx, run); err != nil {
			rl.WithError(err).Warn("History record create failed")
		}
	}

	o.metrics.RecordRunStarted()
	rl.Info("Run submitted", "task_name", req.TaskName)

	go o.runTask(run, req.ArchivePath)

	return &ExecuteResult{
		RunID:      runID,
		TaskID:     taskID,
		StreamPath: fmt.Sprintf("/api/v1/stream?task_id=%s&run_id=%s", taskID, runID),
	}, nil
}

// validateRequest 校验提交输入
func validateRequest(req *ExecuteRequest) error {
	if req.TaskName == "" {
		return model.NewValidationError("task_name is required")
	}
	if req.Owner == "" {
		return model.NewValidationError("owner is required")
	}
	if req.ArchivePath == "" {
		return model.NewValidationError("archive path is required")
	}
	if !nameRe.MatchString(req.TaskName) {
		return model.NewValidationError("invalid task_name: %q", req.TaskName)
	}
	if !nameRe.MatchString(req.Owner) {
		return model.NewValidationError("invalid owner: %q", req.Owner)
	}
	return nil
}

// generateID 生成带前缀的随机标识
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

// ============================================================================
// 执行管线
// ============================================================================

// runArtifacts 管线推进过程中产生的待清理产物
type runArtifacts struct {
	archivePath string // 任务归档（编排器接管，终局删除）
	stagingDir  string // 每 Run 暂存目录
	imageTag    string // 一次性镜像标签
	containerID string // 容器 ID
}

// runTask 后台执行入口
//
// 使用独立于提交请求的 context：观察者断开、请求结束都不影响执行，
// Run 只会因容器退出或管线自身失败而终止。
func (o *Orchestrator) runTask(run *model.Run, archivePath string) {
	ctx := context.Background()
	rl := o.logger.WithRunID(run.RunID).WithTaskID(run.TaskID).WithOwner(run.Owner)
	em := o.newEmitter(ctx, run)
	st := &runArtifacts{archivePath: archivePath}
	startedAt := time.Now()

	state, exitCode, runErr := o.runPipeline(ctx, run, em, st, rl)

	o.finish(ctx, run, em, state, exitCode, runErr, startedAt, rl)
	o.cleanup(ctx, run, st, state, rl)
}

// runPipeline 推进状态机，返回终态
//
// 所有失败（包括 panic）都收敛为 errored，绝不向上抛出。
func (o *Orchestrator) runPipeline(ctx context.Context, run *model.Run, em *emitter, st *runArtifacts, rl *logging.Logger) (state model.RunState, exitCode *int, err error) {
	defer func() {
		if r := recover(); r != nil {
			rl.Error("Run pipeline panic", "panic", fmt.Sprint(r))
			state, exitCode, err = model.StateErrored, nil, fmt.Errorf("internal fault: %v", r)
		}
	}()

	// ---- preparing：校验归档并解压到独立暂存目录 ----
	o.transition(ctx, run, model.StatePreparing)
	em.status(fmt.Sprintf("Starting task: %s", run.TaskName), false)

	layout, verr := archive.Validate(st.archivePath)
	if verr != nil {
		return model.StateErrored, nil, fmt.Errorf("validate archive: %w", verr)
	}

	stagingDir, serr := o.createStagingDir()
	if serr != nil {
		return model.StateErrored, nil, serr
	}
	st.stagingDir = stagingDir

	if eerr := archive.Extract(st.archivePath, stagingDir); eerr != nil {
		return model.StateErrored, nil, fmt.Errorf("extract archive: %w", eerr)
	}
	em.status("Task file prepared, starting container...", false)

	// ---- building：从暂存目录构建一次性镜像 ----
	o.transition(ctx, run, model.StateBuilding)
	if layout.Flavor == archive.FlavorCompose {
		return model.StateErrored, nil, errors.New("docker-compose tasks are not supported by the runner")
	}
	tag := ImageTag(run.RunID)
	st.imageTag = tag

	buildDir := filepath.Join(stagingDir, filepath.FromSlash(layout.DockerfileDir))
	// 构建日志走 output 消息：实时通道全量投递，持久化由保留过滤兜底
	berr := o.runtime.BuildImage(ctx, buildDir, tag, func(line string) {
		em.output(line)
	})
	if berr != nil {
		return model.StateErrored, nil, fmt.Errorf("build image: %w", berr)
	}
	em.status("Image built: "+tag, false)

	// ---- starting：创建并启动容器 ----
	o.transition(ctx, run, model.StateStarting)
	containerID, cerr := o.runtime.CreateContainer(ctx, &docker.ContainerConfig{
		Name:  model.ContainerName(run.Owner, run.TaskName, run.RunID),
		Image: tag,
		Env:   []string{"TASK_NAME=" + run.TaskName},
		Labels: map[string]string{
			LabelOwner: run.Owner,
			LabelTask:  run.TaskID,
			LabelRun:   run.RunID,
		},
		Tty:         true,
		CPULimit:    o.cfg.CPULimit,
		MemoryLimit: o.cfg.MemoryLimit,
	})
	if cerr != nil {
		return model.StateErrored, nil, fmt.Errorf("create container: %w", cerr)
	}
	st.containerID = containerID
	run.ContainerID = containerID
	if o.history != nil {
		if herr := o.history.SetRunContainer(ctx, run.RunID, containerID, tag); herr != nil {
			rl.WithError(herr).Warn("History container record failed")
		}
	}

	if serr := o.runtime.StartContainer(ctx, containerID); serr != nil {
		return model.StateErrored, nil, fmt.Errorf("start container: %w", serr)
	}
	em.status("Container started: "+model.ShortID(containerID), false)

	// ---- running：并行跟随日志 + 等待退出 ----
	o.transition(ctx, run, model.StateRunning)
	code, werr := o.streamAndWait(ctx, containerID, em, rl)
	if werr != nil {
		return model.StateErrored, nil, werr
	}

	if code == 0 {
		return model.StateSucceeded, &code, nil
	}
	return model.StateFailed, &code, nil
}

// createStagingDir 在配置的根目录下创建每 Run 暂存目录
func (o *Orchestrator) createStagingDir() (string, error) {
	root := o.cfg.StagingDir
	if root != "" {
		if err := os.MkdirAll(root, 0755); err != nil {
			return "", fmt.Errorf("create staging root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "task_run_*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// streamAndWait 跟随容器日志并等待退出
//
// 日志迭代是阻塞调用，放到独立 goroutine；本体等待容器退出。
// 退出观察到之后日志流有一个有界的排空窗口，超时即关闭流强制放弃，
// 保证编排器绝不因卡住的日志源而悬挂。
func (o *Orchestrator) streamAndWait(ctx context.Context, containerID string, em *emitter, rl *logging.Logger) (int, error) {
	logs, err := o.runtime.FollowLogs(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("follow logs: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(logs)
		// 增大缓冲区以处理大行（如长 JSON 输出）
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			// Tty 流的行尾是 \r\n
			if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
				em.output(line)
			}
		}
		if serr := scanner.Err(); serr != nil {
			// 流被关闭属于正常退出路径，其余错误只记日志
			rl.WithError(serr).Debug("Log stream ended with error")
		}
	}()

	code, err := o.runtime.WaitContainer(ctx, containerID)
	if err != nil {
		// 关闭流放弃 worker，等待容器失败时没有可靠的排空依据
		logs.Close()
		return 0, fmt.Errorf("wait container: %w", err)
	}

	select {
	case <-done:
		logs.Close()
	case <-time.After(o.cfg.DrainTimeout):
		rl.Warn("Log drain timed out, abandoning stream", "container_id", model.ShortID(containerID))
		// 关闭流让阻塞中的 Read 返回，worker 自行退出
		logs.Close()
	}

	return int(code), nil
}

// ============================================================================
// 终局与清理
// ============================================================================

// finish 终态收尾：终态消息、缓冲完成标记、登记清除、历史落账
//
// 收尾各步相互独立，任何一步失败都不影响其余步骤。
func (o *Orchestrator) finish(ctx context.Context, run *model.Run, em *emitter, state model.RunState, exitCode *int, runErr error, startedAt time.Time, rl *logging.Logger) {
	run.State = state

	switch state {
	case model.StateSucceeded:
		em.status("Task completed successfully", false)
		em.complete("Task execution finished")
	case model.StateFailed:
		em.status(fmt.Sprintf("Task failed with exit code %d", *exitCode), true)
	default:
		em.status(fmt.Sprintf("Error: %v", runErr), true)
	}

	final := state.FinalStatus()
	if err := o.buffer.MarkComplete(ctx, run.TaskID, run.RunID, final); err != nil {
		rl.WithError(err).Warn("Buffer mark complete failed")
	}
	if err := o.registry.ClearActiveRun(ctx, run.Owner, run.TaskName); err != nil {
		rl.WithError(err).Warn("Run registry clear failed")
	}
	if o.history != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if err := o.history.SetRunResult(ctx, run.RunID, state, exitCode, errMsg); err != nil {
			rl.WithError(err).Warn("History result record failed")
		}
	}

	duration := time.Since(startedAt)
	o.metrics.RecordRunCompleted(string(state), duration)
	rl.WithDuration(duration).Info("Run finished", "state", string(state))
}

// cleanup 清理执行产物，每一步尽力而为
//
// 容器只在成功时删除；失败/出错保留现场（docker ps -a 可见，带
// taskbench.run 标签）。镜像、暂存目录、归档文件无条件清理。
func (o *Orchestrator) cleanup(ctx context.Context, run *model.Run, st *runArtifacts, state model.RunState, rl *logging.Logger) {
	if st.containerID != "" && state == model.StateSucceeded {
		err := o.runtime.RemoveContainer(ctx, st.containerID, true)
		if err != nil && errdefs.IsNotFound(err) {
			err = nil
		}
		o.logger.CleanupLog("remove container", run.RunID, err)
	}

	if st.imageTag != "" {
		err := o.runtime.RemoveImage(ctx, st.imageTag, true)
		if err != nil && errdefs.IsNotFound(err) {
			err = nil
		}
		o.logger.CleanupLog("remove image", run.RunID, err)
	}

	if st.stagingDir != "" {
		o.logger.CleanupLog("remove staging dir", run.RunID, os.RemoveAll(st.stagingDir))
	}

	if st.archivePath != "" {
		o.logger.CleanupLog("remove archive", run.RunID, os.Remove(st.archivePath))
	}
}

// transition 推进状态机并尽力而为地更新历史
func (o *Orchestrator) transition(ctx context.Context, run *model.Run, state model.RunState) {
	run.State = state
	if o.history == nil {
		return
	}
	if err := o.history.UpdateRunState(ctx, run.RunID, state); err != nil {
		o.logger.WithRunID(run.RunID).WithError(err).Warn("History state update failed")
	}
}
