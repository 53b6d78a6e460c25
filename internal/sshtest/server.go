// Package sshtest runs an in-process SSH server for tests. It accepts password
// and public key authentication, executes commands through a caller-supplied
// handler, and forwards direct-tcpip channels to real TCP endpoints so tunnels
// can be exercised end to end.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/neur0map/deskmon/internal/sshkeys"
)

// ExecHandler produces the output and exit status of a remote command.
type ExecHandler func(command string) (output string, exitStatus uint32)

// Server is an in-process SSH server listening on 127.0.0.1.
type Server struct {
	Addr string
	Host string
	Port int

	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	listener net.Listener
	done     chan struct{}

	mu         sync.Mutex
	netConns   []net.Conn
	passwords  map[string]string
	authorized map[string]bool
	exec       ExecHandler

	authAttempts atomic.Int64
	channels     atomic.Int64
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:       listener.Addr().String(),
		HostKey:    hostSigner.PublicKey(),
		listener:   listener,
		done:       make(chan struct{}),
		passwords:  make(map[string]string),
		authorized: make(map[string]bool),
		exec: func(string) (string, uint32) {
			return "ok\n", 0
		},
	}
	host, portStr, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(portStr)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.authAttempts.Add(1)
			s.mu.Lock()
			want, ok := s.passwords[conn.User()]
			s.mu.Unlock()
			if ok && want == string(password) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.authAttempts.Add(1)
			s.mu.Lock()
			ok := s.authorized[ssh.FingerprintSHA256(key)]
			s.mu.Unlock()
			if ok {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.netConns = append(s.netConns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// SetPassword accepts password for user.
func (s *Server) SetPassword(user, password string) {
	s.mu.Lock()
	s.passwords[user] = password
	s.mu.Unlock()
}

// Authorize accepts the given public key for any user.
func (s *Server) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	s.authorized[ssh.FingerprintSHA256(key)] = true
	s.mu.Unlock()
}

// IsAuthorized reports whether key would be accepted.
func (s *Server) IsAuthorized(key ssh.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized[ssh.FingerprintSHA256(key)]
}

// HandleExec replaces the command handler.
func (s *Server) HandleExec(h ExecHandler) {
	s.mu.Lock()
	s.exec = h
	s.mu.Unlock()
}

// AuthAttempts returns the number of password and public key checks made.
func (s *Server) AuthAttempts() int64 {
	return s.authAttempts.Load()
}

// ChannelsOpened returns the number of direct-tcpip channels accepted.
func (s *Server) ChannelsOpened() int64 {
	return s.channels.Load()
}

// DropConnections forcefully closes every accepted TCP connection while
// leaving the listener up, simulating a network drop.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)

		case "direct-tcpip":
			host, port, ok := parseDirectTCPIP(newChan.ExtraData())
			if !ok {
				newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
				continue
			}
			target, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 5*time.Second)
			if err != nil {
				newChan.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, requests, err := newChan.Accept()
			if err != nil {
				target.Close()
				continue
			}
			s.channels.Add(1)
			go ssh.DiscardRequests(requests)
			go forward(ch, target)

		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(true, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}
		s.mu.Lock()
		h := s.exec
		s.mu.Unlock()
		out, status := h(payload.Command)
		ch.Write([]byte(out))
		code := make([]byte, 4)
		binary.BigEndian.PutUint32(code, status)
		ch.SendRequest("exit-status", false, code)
		return
	}
}

// parseDirectTCPIP decodes the channel extra data for direct-tcpip channels:
// string(host) + uint32(port) + string(origAddr) + uint32(origPort).
func parseDirectTCPIP(data []byte) (string, int, bool) {
	var msg struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(data, &msg); err != nil {
		return "", 0, false
	}
	return msg.Host, int(msg.Port), true
}

func forward(ch ssh.Channel, conn net.Conn) {
	defer ch.Close()
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}
