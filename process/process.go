// Package process provides line-oriented communication with a
// program, whether it runs locally or is reachable over a network.
package process

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const readChunkSize = 4096

// Config configures a Process.
type Config struct {
	// OptLogger logs all I/O at debug level if specified.
	OptLogger logrus.FieldLogger
}

// ExecOrExit calls Exec. It calls DefaultExitFn if an error occurs.
func ExecOrExit(cmd *exec.Cmd, config Config) *Process {
	p, err := Exec(cmd, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to start process - %w", err))
	}

	return p
}

// Exec starts cmd with its stdin connected to a pipe and its stdout
// and stderr connected to another.
func Exec(cmd *exec.Cmd, config Config) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe - %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe - %w", err)
	}

	cmd.Stdout = outW
	if cmd.Stderr == nil {
		cmd.Stderr = outW
	}

	err = cmd.Start()
	outW.Close()
	if err != nil {
		outR.Close()
		return nil, fmt.Errorf("failed to start process - %w", err)
	}

	return fromCmd(cmd, stdin, outR, config), nil
}

func fromCmd(cmd *exec.Cmd, input io.WriteCloser, output io.ReadCloser, config Config) *Process {
	proc := newProcess(input, output, config)

	waitDone := make(chan struct{})

	proc.done = func() error {
		proc.rwMu.RLock()
		exitedCopy := proc.exited
		proc.rwMu.RUnlock()

		if !exitedCopy.exited {
			cmd.Process.Kill()
		}

		input.Close()
		<-waitDone
		output.Close()

		proc.rwMu.RLock()
		defer proc.rwMu.RUnlock()

		return proc.exited.err
	}

	go func() {
		err := cmd.Wait()
		proc.rwMu.Lock()
		proc.exited = exitInfo{
			exited: true,
			err:    err,
		}
		close(waitDone)
		proc.rwMu.Unlock()
	}()

	if proc.log != nil {
		proc.log.Debugf("started %q as pid %d", cmd.Path, cmd.Process.Pid)
	}

	return proc
}

type exitInfo struct {
	exited bool
	err    error
}

// DialOrExit calls Dial. It calls DefaultExitFn if an error occurs.
func DialOrExit(network string, address string, config Config) *Process {
	p, err := Dial(network, address, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to dial program - %w", err))
	}

	return p
}

// Dial connects to a program listening on a network.
func Dial(network string, address string, config Config) (*Process, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}

	return FromNetConn(c, config), nil
}

// FromNetConn returns a Process for an existing connection, such as
// a TLS connection.
func FromNetConn(c net.Conn, config Config) *Process {
	proc := newProcess(c, c, config)

	proc.done = c.Close

	return proc
}

// FromNamedPipesOrExit calls FromNamedPipes. It calls DefaultExitFn
// if an error occurs.
func FromNamedPipesOrExit(inputPath string, outputPath string, config Config) *Process {
	p, err := FromNamedPipes(inputPath, outputPath, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open named pipes - %w", err))
	}

	return p
}

// FromNamedPipes returns a Process that writes to the named pipe at
// inputPath and reads from the one at outputPath.
func FromNamedPipes(inputPath string, outputPath string, config Config) (*Process, error) {
	input, err := os.OpenFile(inputPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open input pipe - %w", err)
	}

	output, err := os.Open(outputPath)
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("failed to open output pipe - %w", err)
	}

	proc := newProcess(input, output, config)

	proc.done = func() error {
		input.Close()
		return output.Close()
	}

	return proc, nil
}

// FromIO returns a Process that writes to input and reads from
// output. Close closes whichever of them implements io.Closer.
func FromIO(input io.Writer, output io.Reader, config Config) *Process {
	proc := newProcess(input, output, config)

	proc.done = func() error {
		var inErr, outErr error

		if c, isCloser := input.(io.Closer); isCloser {
			inErr = c.Close()
		}

		if c, isCloser := output.(io.Closer); isCloser {
			outErr = c.Close()
		}

		if inErr != nil {
			return inErr
		}

		return outErr
	}

	return proc
}

func newProcess(input io.Writer, output io.Reader, config Config) *Process {
	proc := &Process{
		input:  input,
		chunks: make(chan []byte, 16),
		rwMu:   &sync.RWMutex{},
		log:    config.OptLogger,
		done: func() error {
			return nil
		},
	}

	go proc.pump(output)

	return proc
}

// Process is a program that can be written to and read from.
//
// Output is read in the background as soon as it is available,
// which allows Clean to discard output that arrives within a
// period of time.
type Process struct {
	input   io.Writer
	chunks  chan []byte
	pending []byte
	pumpErr error
	done    func() error
	rwMu    *sync.RWMutex
	exited  exitInfo
	log     logrus.FieldLogger
	closed  bool
}

func (o *Process) pump(output io.Reader) {
	defer close(o.chunks)

	for {
		buf := make([]byte, readChunkSize)

		n, err := output.Read(buf)
		if n > 0 {
			o.chunks <- buf[:n]
		}

		if err != nil {
			// Reading a pty whose other side has closed
			// fails with EIO on Linux.
			if errors.Is(err, syscall.EIO) {
				err = io.EOF
			}

			o.pumpErr = err
			return
		}
	}
}

// fill waits for the next chunk of output. A timeout of zero or
// less waits forever. It returns false if the timeout expired.
func (o *Process) fill(timeout time.Duration) (bool, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case chunk, ok := <-o.chunks:
		if !ok {
			return true, o.pumpErr
		}

		if o.log != nil {
			o.log.Debugf("read %d bytes:\n%s", len(chunk), hex.Dump(chunk))
		}

		o.pending = append(o.pending, chunk...)

		return true, nil
	case <-timer:
		return false, nil
	}
}

func (o *Process) take(n int) []byte {
	p := make([]byte, n)
	copy(p, o.pending)
	o.pending = o.pending[n:]

	return p
}

// HasExited returns true if the underlying program exited. It is
// always false for network connections.
func (o *Process) HasExited() bool {
	o.rwMu.RLock()
	defer o.rwMu.RUnlock()

	return o.exited.exited
}

// Read implements io.Reader.
func (o *Process) Read(p []byte) (int, error) {
	for len(o.pending) == 0 {
		_, err := o.fill(0)
		if err != nil {
			return 0, err
		}
	}

	n := copy(p, o.pending)
	o.pending = o.pending[n:]

	return n, nil
}

// ReadByteOrExit calls ReadByte. It calls DefaultExitFn if an error
// occurs.
func (o *Process) ReadByteOrExit() byte {
	b, err := o.ReadByte()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read one byte from process - %w", err))
	}

	return b
}

// ReadByte reads one byte.
func (o *Process) ReadByte() (byte, error) {
	b := make([]byte, 1)

	_, err := o.Read(b)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

// ReadLineOrExit calls ReadLine. It calls DefaultExitFn if an error
// occurs.
func (o *Process) ReadLineOrExit() []byte {
	p, err := o.ReadLine()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read line from process - %w", err))
	}

	return p
}

// ReadLine reads until and including the next newline character.
func (o *Process) ReadLine() ([]byte, error) {
	return o.ReadUntil([]byte{'\n'})
}

// ReadUntilOrExit calls ReadUntil. It calls DefaultExitFn if an
// error occurs.
func (o *Process) ReadUntilOrExit(p []byte) []byte {
	res, err := o.ReadUntil(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read from process until 0x%x - %w", p, err))
	}

	return res
}

// ReadUntil reads until and including the first occurrence of p.
// If the output ends first, the data read so far is returned along
// with the error.
func (o *Process) ReadUntil(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("delimiter cannot be empty")
	}

	searched := 0

	for {
		i := bytes.Index(o.pending[searched:], p)
		if i >= 0 {
			return o.take(searched + i + len(p)), nil
		}

		// The delimiter may straddle two chunks.
		searched = len(o.pending) - len(p) + 1
		if searched < 0 {
			searched = 0
		}

		_, err := o.fill(0)
		if err != nil {
			return o.take(len(o.pending)), err
		}
	}
}

// CleanOrExit calls Clean. It calls DefaultExitFn if an error occurs.
func (o *Process) CleanOrExit(quiet time.Duration) []byte {
	b, err := o.Clean(quiet)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to clean process output - %w", err))
	}

	return b
}

// Clean discards output until none arrives for the quiet duration.
// The discarded output is returned. Reaching the end of the output
// is not an error.
func (o *Process) Clean(quiet time.Duration) ([]byte, error) {
	for {
		gotData, err := o.fill(quiet)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, err
		}

		if !gotData {
			break
		}
	}

	cleaned := o.take(len(o.pending))

	if o.log != nil {
		o.log.Debugf("cleaned %d bytes", len(cleaned))
	}

	return cleaned, nil
}

// WriteLineOrExit calls WriteLine. It calls DefaultExitFn if an
// error occurs.
func (o *Process) WriteLineOrExit(p []byte) {
	err := o.WriteLine(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to write line to process - %w", err))
	}
}

// WriteLine writes p followed by a newline.
func (o *Process) WriteLine(p []byte) error {
	line := make([]byte, len(p)+1)
	copy(line, p)
	line[len(p)] = '\n'

	_, err := o.Write(line)

	return err
}

// WriteOrExit calls Write. It calls DefaultExitFn if an error occurs.
func (o *Process) WriteOrExit(p []byte) {
	_, err := o.Write(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to write to process - %w", err))
	}
}

// Write implements io.Writer.
func (o *Process) Write(p []byte) (int, error) {
	if o.log != nil {
		o.log.Debugf("write %d bytes:\n%s", len(p), hex.Dump(p))
	}

	return o.input.Write(p)
}

// InteractiveOrExit calls Interactive. It calls DefaultExitFn if an
// error occurs.
func (o *Process) InteractiveOrExit() {
	err := o.Interactive()
	if err != nil {
		DefaultExitFn(fmt.Errorf("process interaction failed - %w", err))
	}
}

// Interactive copies the program's output to stdout and stdin to
// the program until either side fails.
func (o *Process) Interactive() error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(os.Stdout, o)
		if err != nil {
			err = fmt.Errorf("failed to copy output reader to stdout - %w", err)
		}
		done <- err
	}()

	go func() {
		_, err := io.Copy(o.input, os.Stdin)
		if err != nil {
			err = fmt.Errorf("failed to copy stdin to input writer - %w", err)
		}
		done <- err
	}()

	return <-done
}

// Close releases the Process. Programs that are still running
// are killed.
func (o *Process) Close() error {
	if o.closed {
		return nil
	}

	o.closed = true

	return o.done()
}
