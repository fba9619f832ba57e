package main

import (
	"context"
	"flag"
	"image"
	"image/color"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	retinagrader "github.com/menta2k/retina-grader"
	"github.com/menta2k/retina-grader/internal/config"
	"github.com/menta2k/retina-grader/pkg/inference"
	"github.com/menta2k/retina-grader/pkg/types"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/predict")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

// newCLIContext parses args against the toggle flags
func newCLIContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range toggleFlags() {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestTogglesUseConfigDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Preprocess.Sharpen = false
	cfg.Preprocess.SharpenSigma = 20

	pcfg, err := toggles(newCLIContext(t), cfg)
	require.NoError(t, err)
	assert.True(t, pcfg.EnhanceContrast)
	assert.False(t, pcfg.Sharpen)
	assert.Equal(t, types.Sigma20, pcfg.SharpenSigma)

	pcfg, err = toggles(newCLIContext(t, "--contrast=false", "--sharpen", "--sigma", "10"), cfg)
	require.NoError(t, err)
	assert.False(t, pcfg.EnhanceContrast)
	assert.True(t, pcfg.Sharpen)
	assert.Equal(t, types.Sigma10, pcfg.SharpenSigma)

	_, err = toggles(newCLIContext(t, "--sigma", "15"), cfg)
	assert.Error(t, err)
}

func TestModelFlagsApply(t *testing.T) {
	cfg := config.Default()
	modelFlags{backend: config.BackendOllama, visionModel: "llava:13b"}.apply(cfg)

	assert.Equal(t, config.BackendOllama, cfg.Model.Backend)
	assert.Equal(t, "llava:13b", cfg.Model.VisionModel)
	assert.Equal(t, "model.onnx", cfg.Model.Path)
	require.NoError(t, cfg.Validate())
}

func TestLoadModelVisionBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Backend = config.BackendLlamaCpp
	cfg.Model.VisionURL = "http://127.0.0.1:1"

	model, err := loadModel(t.Context(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, model.classifier)
	assert.NoError(t, model.Close())

	cfg.Model.Backend = "tensorflow"
	_, err = loadModel(t.Context(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadModelMissingONNXFile(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Backend = config.BackendGONNX
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := loadModel(t.Context(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
}

func TestCollectSources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.JPG", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	sources, err := collectSources(dir)
	require.NoError(t, err)
	assert.Len(t, sources, 2)

	sources, err = collectSources("s3://bucket/fundus.jpg")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/fundus.jpg"}, sources)

	single := filepath.Join(dir, "a.png")
	sources, err = collectSources(single)
	require.NoError(t, err)
	assert.Equal(t, []string{single}, sources)
}

func writeFundus(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for y := 20; y < 220; y++ {
		for x := 60; x < 260; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(120 + x%60), G: 60, B: 30, A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, path))
}

func TestGradeOneWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "eye.png")
	writeFundus(t, source)

	predictOut = filepath.Join(dir, "out")
	t.Cleanup(func() { predictOut = "" })

	cfg := config.Default()
	opts, err := pipelineOptions(cfg, zap.NewNop())
	require.NoError(t, err)
	logits := inference.ClassifierFunc(func(_ context.Context, _ *types.Tensor) ([]float32, error) {
		return []float32{0, 4, 0, 0, 0}, nil
	})
	grader := retinagrader.New(logits, opts...)
	pcfg, err := cfg.PipelineConfig()
	require.NoError(t, err)

	report := gradeOne(t.Context(), grader, source, pcfg, cfg, zap.NewNop())
	require.Empty(t, report.Error)
	assert.Equal(t, 1, report.ClassIndex)
	assert.Equal(t, types.ClassLabels[1], report.Label)
	require.Len(t, report.Outputs, 7)
	for _, p := range report.Outputs {
		assert.FileExists(t, p)
	}
	assert.Equal(t, "contact_sheet.png", filepath.Base(report.Outputs[6]))
}

func TestGradeOneReportsFailure(t *testing.T) {
	cfg := config.Default()
	grader := retinagrader.New(nil)
	pcfg, err := cfg.PipelineConfig()
	require.NoError(t, err)

	report := gradeOne(t.Context(), grader, filepath.Join(t.TempDir(), "missing.png"), pcfg, cfg, zap.NewNop())
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, -1, report.ClassIndex)
	assert.Equal(t, types.StatusPrepareError, report.Status)
}
