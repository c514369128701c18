// Command wpool-echo is a tiny demo binary: it wires up the public
// Pool API against a real (if minimal) Transport and drives one task
// end to end, rather than exercising the library through a test
// double. Spawn mechanics
// are explicitly the caller's problem per the package's own contract,
// so this is where that problem gets solved once, concretely: a
// WorkerProcess TransportFactory that execs a worker binary given by
// -worker (not part of this repository: a program that runs
// internal/dispatcher with an `add` method registered) and speaks the
// frame protocol over its stdin/stdout pipes.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/riverrun/wpool"
	"github.com/riverrun/wpool/internal/handler"
	"github.com/riverrun/wpool/internal/logging"
)

func main() {
	var (
		workerPath = flag.String("worker", "", "path to a worker binary serving the add method (required)")
		maxWorkers = flag.Int("max-workers", 2, "maximum worker count")
		verbose    = flag.Bool("v", false, "verbose logging")
		a          = flag.Int64("a", 3, "first addend for the demo add(a,b) call")
		b          = flag.Int64("b", 4, "second addend for the demo add(a,b) call")
	)
	flag.Parse()

	if *workerPath == "" {
		fmt.Fprintln(os.Stderr, "wpool-echo: -worker is required (path to a worker binary serving the add method)")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	pool, err := wpool.New(
		wpool.WithMaxWorkers(*maxWorkers),
		wpool.WithMinWorkers(1),
		wpool.WithLogger(logger),
		wpool.WithTransportFactory(func(spec wpool.WorkerSpec) (handler.Transport, error) {
			return spawnWorkerProcess(*workerPath, spec, logger)
		}),
	)
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		shutdown(pool, logger)
		os.Exit(0)
	}()

	params, _ := json.Marshal(map[string]int64{"a": *a, "b": *b})
	future, err := pool.Exec("add", params)
	if err != nil {
		logger.Error("exec failed", "error", err)
		shutdown(pool, logger)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := future.Get(ctx)
	if err != nil {
		logger.Error("task failed", "error", err)
		shutdown(pool, logger)
		os.Exit(1)
	}

	fmt.Printf("add(%d, %d) = %s\n", *a, *b, value)
	stats := pool.Stats()
	fmt.Printf("pool stats: total=%d busy=%d idle=%d pending=%d\n", stats.Total, stats.Busy, stats.Idle, stats.PendingInQueue)

	shutdown(pool, logger)
}

func shutdown(pool *wpool.Pool, logger *logging.Logger) {
	logger.Info("terminating pool")
	select {
	case <-pool.Terminate(false):
		logger.Info("pool terminated cleanly")
	case <-time.After(3 * time.Second):
		logger.Info("graceful terminate timed out, forcing")
		<-pool.Terminate(true)
	}
}

// processTransport implements handler.Transport over a child process's
// stdin/stdout/stderr pipes, length-prefix delimited (see Send).
type processTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *logging.Logger

	mu       sync.Mutex
	messages chan []byte
	errors   chan error
	killed   bool
}

func spawnWorkerProcess(path string, spec wpool.WorkerSpec, logger *logging.Logger) (handler.Transport, error) {
	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &processTransport{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger.WithHandler(spec.HandlerID),
		messages: make(chan []byte, 64),
		errors:   make(chan error, 4),
	}
	go t.pump(stdout)
	return t, nil
}

// Send writes data length-prefixed (4-byte little-endian length), the
// same framing pump expects back from the worker: the prefix is needed
// because the worker's "ready" signal is bare bytes, not a frame, so
// the two ends can't rely on frame.Encode's own header to delimit.
func (t *processTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return fmt.Errorf("processTransport: send after kill")
	}
	lenPrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(len(data)))
	if _, err := t.stdin.Write(lenPrefix); err != nil {
		return err
	}
	_, err := t.stdin.Write(data)
	return err
}

func (t *processTransport) pump(stdout io.Reader) {
	r := bufio.NewReader(stdout)
	lenPrefix := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, lenPrefix); err != nil {
			t.logger.Debug("worker stdout closed", "error", err.Error())
			t.errors <- err
			return
		}
		n := binary.LittleEndian.Uint32(lenPrefix)
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				t.errors <- err
				return
			}
		}
		t.messages <- buf
	}
}

func (t *processTransport) Messages() <-chan []byte { return t.messages }
func (t *processTransport) Errors() <-chan error    { return t.errors }

func (t *processTransport) Kill() error {
	t.mu.Lock()
	t.killed = true
	t.mu.Unlock()
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}

var _ handler.Transport = (*processTransport)(nil)
