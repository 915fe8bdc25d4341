// Package netload is a WebSocket load/eval server: one message in, one
// chunk loaded and protected-called, one reply out. Grounded on the
// teacher's internal/network package (websocket.go's Upgrader/http.Server
// pairing and per-connection read loop, websocket_server.go's one-
// goroutine-per-connection shape), narrowed from that package's many-
// server/many-client registry down to a single listener where each
// message gets its own fresh *state.State (section 5: a State is never
// shared across callers, and here not even across messages).
package netload

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"luaj/internal/errors"
	"luaj/internal/state"
	"luaj/internal/value"
)

// Server accepts WebSocket connections and evaluates each inbound message
// as an independent Lua chunk.
type Server struct {
	addr       string
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer returns a Server that will listen on addr once Serve is called.
func NewServer(addr string) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks, running the HTTP/WebSocket listener until Shutdown is
// called elsewhere (typically from a signal handler coordinated by an
// errgroup in the calling command).
func (s *Server) Serve() error {
	log.Printf("netload: listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener, letting in-flight evaluations
// finish their current message.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("netload: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	remote := r.RemoteAddr
	for {
		msgType, body, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF {
				log.Printf("netload: %s disconnected: %v", remote, err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		log.Printf("netload: %s submitted a %s chunk", remote, humanize.Bytes(uint64(len(body))))
		reply := s.evalChunk(remote, body)
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			log.Printf("netload: write to %s failed: %v", remote, err)
			return
		}
	}
}

// evalChunk loads and PCalls body on a fresh State, formatting the
// response as either the chunk's return values or its error message.
func (s *Server) evalChunk(remote string, body []byte) []byte {
	st := state.NewState(nil, nil)
	defer st.Close()

	done := false
	read := func(any) ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		done = true
		return body, nil
	}

	loadStatus := st.Load(read, nil, remote)
	if loadStatus != errors.OK {
		msg := value.AsStr(st.Pop()).String()
		return []byte(fmt.Sprintf("%s: %s", loadStatus, msg))
	}

	const numResults = -1 // report every value the chunk returned
	callStatus := st.PCall(0, numResults, 0)
	if callStatus != errors.OK {
		msg := value.AsStr(st.Pop()).String()
		return []byte(fmt.Sprintf("%s: %s", callStatus, msg))
	}

	if st.Top() == 0 {
		return []byte("ok")
	}
	results := make([]string, st.Top())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = formatValue(st.Pop())
	}
	out := "ok:"
	for i, r := range results {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return []byte(out)
}

func formatValue(v value.Value) string {
	switch {
	case value.IsNil(v):
		return "nil"
	case value.IsTrue(v):
		return "true"
	case value.IsFalse(v):
		return "false"
	case value.IsNum(v):
		return fmt.Sprintf("%g", value.AsNum(v))
	case value.IsStr(v):
		return value.AsStr(v).String()
	case value.IsFn(v):
		return "<function>"
	default:
		return "<value>"
	}
}
