package exthost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
)

// ipcMessage is the JSON envelope exchanged with the worker over the
// socketpair IPC channel: the server->child socket hand-off message, and
// the child->server ready and console-forward messages. The same struct
// also encodes the connect() message, which goes to the client as a
// control message rather than to the child.
type ipcMessage struct {
	Type string `json:"type"`

	// server -> client (control message), connect()
	DebugPort int `json:"debugPort,omitempty"`

	// server -> child, sendExthostIpcSocket
	InitialDataChunk   string `json:"initialDataChunk,omitempty"`
	SkipWebSocketFrames bool  `json:"skipWebSocketFrames,omitempty"`
	PermessageDeflate   bool  `json:"permessageDeflate,omitempty"`
	InflateBytes        string `json:"inflateBytes,omitempty"`

	// child -> server, __$console forwarding
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

const (
	ipcTypeConnect      = "VSCODE_EXTHOST_CONNECT" // server -> client, carries debugPort
	ipcTypeReady        = "VSCODE_EXTHOST_IPC_READY"
	ipcTypeSocket       = "VSCODE_EXTHOST_IPC_SOCKET"
	ipcTypeConsole      = "__$console"
)

// sendIPCMessage writes msg as a single newline-delimited JSON line, with
// no ancillary data.
func sendIPCMessage(conn *net.UnixConn, msg ipcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// sendIPCMessageWithFD writes msg together with fd as SCM_RIGHTS ancillary
// data in the same sendmsg(2) call, so the child inherits ownership of
// the OS socket directly.
func sendIPCMessageWithFD(conn *net.UnixConn, msg ipcMessage, fd int) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	rights := syscall.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix(data, rights, nil)
	if err != nil {
		return err
	}
	if n != len(data) || oobn != len(rights) {
		return fmt.Errorf("exthost: short write sending socket: data=%d/%d oob=%d/%d", n, len(data), oobn, len(rights))
	}
	return nil
}

// readIPCLoop reads newline-delimited JSON messages from conn until it
// errors or the connection closes, invoking onMessage for each. It returns
// the terminal error (io.EOF on a clean close).
func readIPCLoop(conn *net.UnixConn, onMessage func(ipcMessage)) error {
	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var msg ipcMessage
			if jsonErr := json.Unmarshal(line, &msg); jsonErr == nil {
				onMessage(msg)
			}
		}
		if err != nil {
			return err
		}
	}
}
