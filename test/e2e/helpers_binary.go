//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// concordServer manages a running Concord server process.
type concordServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
}

// startConcord launches the Concord binary and waits for it to become
// healthy. Configuration is passed entirely through the environment.
func startConcord(t *testing.T, nodeID string, extraEnv ...string) *concordServer {
	t.Helper()
	requireConcord(t)

	dataDir := t.TempDir()
	port := freePort(t)
	s := &concordServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: filepath.Join(dataDir, "concord.log"),
	}

	cmd := exec.Command(concordBin)
	cmd.Env = append(os.Environ(),
		"CONCORD_PORT="+fmt.Sprintf("%d", port),
		"CONCORD_NODE_ID="+nodeID,
		"CONCORD_DB_PATH="+filepath.Join(dataDir, "concord.db"),
		"CONCORD_STORAGE_ROOT="+filepath.Join(dataDir, "databases"),
		"CONCORD_API_KEY="+apiKey,
		"CONCORD_CLUSTER_SECRET="+clusterSecret,
		"CONCORD_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
	)
	cmd.Env = append(cmd.Env, extraEnv...)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start concord: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(s.logFile)
		t.Fatalf("concord not healthy: %v\n%s", err, logs)
	}
	return s
}

func (s *concordServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *concordServer) baseURL() string {
	return "http://" + s.address
}

func (s *concordServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.baseURL() + "/api/v1/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out after %s", timeout)
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
