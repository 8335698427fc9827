// Command fakeexthost is a minimal stand-in for the real extension-host
// worker, used to exercise exthost.Supervisor's fork/handshake/hand-off
// path end to end without a real VS Code worker binary. It answers the
// supervisor's IPC protocol (ready signal, socket hand-off) and then
// echoes whatever bytes arrive on the handed-off socket.
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"syscall"
)

type ipcMessage struct {
	Type                string `json:"type"`
	DebugPort           int    `json:"debugPort,omitempty"`
	InitialDataChunk    string `json:"initialDataChunk,omitempty"`
	SkipWebSocketFrames bool   `json:"skipWebSocketFrames,omitempty"`
	PermessageDeflate   bool   `json:"permessageDeflate,omitempty"`
	InflateBytes        string `json:"inflateBytes,omitempty"`
}

func main() {
	fdStr := os.Getenv("VSCODE_EXTHOST_IPC_FD")
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		log.Fatalf("fakeexthost: invalid VSCODE_EXTHOST_IPC_FD %q: %v", fdStr, err)
	}

	ipcFile := os.NewFile(uintptr(fd), "exthost-ipc")
	ipcConn, err := net.FileConn(ipcFile)
	if err != nil {
		log.Fatalf("fakeexthost: wrapping ipc fd: %v", err)
	}
	unixConn, ok := ipcConn.(*net.UnixConn)
	if !ok {
		log.Fatalf("fakeexthost: ipc fd is not a unix socket")
	}

	if err := sendLine(unixConn, ipcMessage{Type: "VSCODE_EXTHOST_IPC_READY"}); err != nil {
		log.Fatalf("fakeexthost: sending ready signal: %v", err)
	}

	log.Println("fakeexthost: ready, waiting for socket hand-off")
	if err := readLoop(unixConn); err != nil && err != io.EOF {
		log.Printf("fakeexthost: ipc loop ended: %v", err)
	}
}

func sendLine(conn *net.UnixConn, msg ipcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func readLoop(conn *net.UnixConn) error {
	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, fds, err := readLineWithFDs(conn, reader)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}
		var msg ipcMessage
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			continue
		}
		if msg.Type == "VSCODE_EXTHOST_IPC_SOCKET" && len(fds) > 0 {
			go serveHandedOffSocket(fds[0])
		}
	}
}

// readLineWithFDs reads one newline-delimited JSON message, returning any
// SCM_RIGHTS file descriptors that arrived in the same datagram as the line
// that terminated the read.
func readLineWithFDs(conn *net.UnixConn, reader *bufio.Reader) ([]byte, []int, error) {
	if reader.Buffered() > 0 {
		line, err := reader.ReadBytes('\n')
		return line, nil, err
	}

	buf := make([]byte, 64*1024)
	oob := make([]byte, 1024)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}

	var fds []int
	if oobn > 0 {
		scms, parseErr := syscall.ParseSocketControlMessage(oob[:oobn])
		if parseErr == nil {
			for _, scm := range scms {
				rights, rightsErr := syscall.ParseUnixRights(&scm)
				if rightsErr == nil {
					fds = append(fds, rights...)
				}
			}
		}
	}

	reader.Reset(io.MultiReader(newByteReader(buf[:n]), conn))
	line, err := reader.ReadBytes('\n')
	return line, fds, err
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// serveHandedOffSocket echoes every byte read on the handed-off client
// socket straight back, enough to prove the fd survived the hand-off.
func serveHandedOffSocket(fd int) {
	file := os.NewFile(uintptr(fd), "handed-off-socket")
	conn, err := net.FileConn(file)
	if err != nil {
		log.Printf("fakeexthost: wrapping handed-off socket: %v", err)
		return
	}
	defer conn.Close()

	log.Println("fakeexthost: socket attached, echoing")
	io.Copy(conn, conn)
}
