package model

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MengbinZhu/muzero-safelife/game"
)

// Graph input/output names the trainer uses when exporting ONNX snapshots.
// The initial graph is representation+prediction fused into one forward
// pass; the recurrent graph is dynamics+prediction.
var (
	initialInputs    = []string{"observation"}
	initialOutputs   = []string{"value", "policy", "hidden"}
	recurrentInputs  = []string{"hidden", "action"}
	recurrentOutputs = []string{"value", "reward", "policy", "next_hidden"}
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// OnnxConfig describes the tensor shapes of an exported model pair.
type OnnxConfig struct {
	// ObservationSize is the flattened observation length the initial
	// graph expects.
	ObservationSize int
	// ActionCount is the policy width and the one-hot action width the
	// recurrent graph expects.
	ActionCount int
	// EncodingSize is the latent hidden state length.
	EncodingSize int
}

func (cfg OnnxConfig) validate() error {
	if cfg.ObservationSize <= 0 {
		return fmt.Errorf("observation size must be positive, got %d", cfg.ObservationSize)
	}
	if cfg.ActionCount <= 0 {
		return fmt.Errorf("action count must be positive, got %d", cfg.ActionCount)
	}
	if cfg.EncodingSize <= 0 {
		return fmt.Errorf("encoding size must be positive, got %d", cfg.EncodingSize)
	}
	return nil
}

// OnnxModel runs the two exported graphs through ONNX Runtime. Each worker
// replica owns one OnnxModel and calls it from a single goroutine, so runs
// are synchronous with a fixed batch of one row.
//
// The model starts without weights; inference fails until SetWeights
// installs a snapshot.
type OnnxModel struct {
	cfg       OnnxConfig
	snap      *Snapshot
	initial   *ort.DynamicAdvancedSession
	recurrent *ort.DynamicAdvancedSession
}

// NewOnnxModel initializes the process-global ORT environment (first call
// only) and returns a model with no weights installed.
func NewOnnxModel(cfg OnnxConfig) (*OnnxModel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
				"libonnxruntime.so.1.23.2",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	return &OnnxModel{cfg: cfg}, nil
}

// ensureLinuxLibraryPath extends LD_LIBRARY_PATH with the locations CUDA
// and Torch shared libraries land in when the trainer's pip packages are
// installed inside the project's .venv. Python version is not hardcoded;
// python*/site-packages is globbed instead.
func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	candidateDirs := []string{cwd}

	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "triton", "backends", "nvidia", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "torch", "lib"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p == "" {
			continue
		}
		existingSet[p] = true
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

func cudaDisabled() bool {
	v := os.Getenv("MUZERO_ORT_DISABLE_CUDA")
	return v != "" && v != "0" && strings.ToLower(v) != "false"
}

func newSession(graph []byte, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// One intra-op thread per session; replicas provide the parallelism.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if !cudaDisabled() {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				fmt.Println("Failed to append CUDA provider:", err)
			}
		} else {
			fmt.Println("Failed to create CUDA options:", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(graph, inputs, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// SetWeights builds fresh sessions from the snapshot bytes and tears down
// the old ones. On error the previous sessions stay installed.
func (m *OnnxModel) SetWeights(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	initial, err := newSession(snap.Initial, initialInputs, initialOutputs)
	if err != nil {
		return fmt.Errorf("initial graph: %w", err)
	}
	recurrent, err := newSession(snap.Recurrent, recurrentInputs, recurrentOutputs)
	if err != nil {
		initial.Destroy()
		return fmt.Errorf("recurrent graph: %w", err)
	}

	m.destroySessions()
	m.initial = initial
	m.recurrent = recurrent
	m.snap = snap
	return nil
}

// Weights returns the currently installed snapshot, nil before the first
// SetWeights. Callers must not mutate it.
func (m *OnnxModel) Weights() *Snapshot {
	return m.snap
}

func (m *OnnxModel) InitialInference(observation []float32) (Inference, error) {
	if m.initial == nil {
		return Inference{}, fmt.Errorf("initial inference: %w", ErrNoSnapshot)
	}
	if len(observation) != m.cfg.ObservationSize {
		return Inference{}, fmt.Errorf("observation size %d, expected %d", len(observation), m.cfg.ObservationSize)
	}

	obsTensor, err := ort.NewTensor(ort.NewShape(1, int64(m.cfg.ObservationSize)), observation)
	if err != nil {
		return Inference{}, fmt.Errorf("failed to create observation tensor: %w", err)
	}
	defer obsTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return Inference{}, err
	}
	defer valueTensor.Destroy()
	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.ActionCount)))
	if err != nil {
		return Inference{}, err
	}
	defer policyTensor.Destroy()
	hiddenTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.EncodingSize)))
	if err != nil {
		return Inference{}, err
	}
	defer hiddenTensor.Destroy()

	err = m.initial.Run(
		[]ort.Value{obsTensor},
		[]ort.Value{valueTensor, policyTensor, hiddenTensor},
	)
	if err != nil {
		return Inference{}, fmt.Errorf("initial graph run: %w", err)
	}

	return Inference{
		Value:        valueTensor.GetData()[0],
		Reward:       0,
		PolicyLogits: copyFloats(policyTensor.GetData()),
		HiddenState:  copyFloats(hiddenTensor.GetData()),
	}, nil
}

func (m *OnnxModel) RecurrentInference(hidden []float32, action game.Action) (Inference, error) {
	if m.recurrent == nil {
		return Inference{}, fmt.Errorf("recurrent inference: %w", ErrNoSnapshot)
	}
	if len(hidden) != m.cfg.EncodingSize {
		return Inference{}, fmt.Errorf("hidden size %d, expected %d", len(hidden), m.cfg.EncodingSize)
	}
	if int(action) < 0 || int(action) >= m.cfg.ActionCount {
		return Inference{}, fmt.Errorf("action %d out of range [0, %d)", action, m.cfg.ActionCount)
	}

	hiddenTensor, err := ort.NewTensor(ort.NewShape(1, int64(m.cfg.EncodingSize)), hidden)
	if err != nil {
		return Inference{}, fmt.Errorf("failed to create hidden tensor: %w", err)
	}
	defer hiddenTensor.Destroy()

	oneHot := make([]float32, m.cfg.ActionCount)
	oneHot[action] = 1
	actionTensor, err := ort.NewTensor(ort.NewShape(1, int64(m.cfg.ActionCount)), oneHot)
	if err != nil {
		return Inference{}, fmt.Errorf("failed to create action tensor: %w", err)
	}
	defer actionTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return Inference{}, err
	}
	defer valueTensor.Destroy()
	rewardTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return Inference{}, err
	}
	defer rewardTensor.Destroy()
	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.ActionCount)))
	if err != nil {
		return Inference{}, err
	}
	defer policyTensor.Destroy()
	nextTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.EncodingSize)))
	if err != nil {
		return Inference{}, err
	}
	defer nextTensor.Destroy()

	err = m.recurrent.Run(
		[]ort.Value{hiddenTensor, actionTensor},
		[]ort.Value{valueTensor, rewardTensor, policyTensor, nextTensor},
	)
	if err != nil {
		return Inference{}, fmt.Errorf("recurrent graph run: %w", err)
	}

	return Inference{
		Value:        valueTensor.GetData()[0],
		Reward:       rewardTensor.GetData()[0],
		PolicyLogits: copyFloats(policyTensor.GetData()),
		HiddenState:  copyFloats(nextTensor.GetData()),
	}, nil
}

func (m *OnnxModel) destroySessions() {
	if m.initial != nil {
		m.initial.Destroy()
		m.initial = nil
	}
	if m.recurrent != nil {
		m.recurrent.Destroy()
		m.recurrent = nil
	}
}

// Close releases the ORT sessions. The model is unusable afterwards.
func (m *OnnxModel) Close() error {
	m.destroySessions()
	m.snap = nil
	return nil
}

// copyFloats detaches tensor output from ORT-owned memory, which is
// invalidated on the next Run.
func copyFloats(src []float32) []float32 {
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}

var _ Model = (*OnnxModel)(nil)
