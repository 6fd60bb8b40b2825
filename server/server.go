package server

import (
	"log"
	"net"
	"strconv"

	"github.com/FallenWarrior2k/transmission/peer"
)

type Server interface {
	Serve()
	GetServerPort() int
}

type server struct {
	port     int
	listener net.Listener
	quit     chan int
	pm       peer.PeerManager
}

var (
	listen = net.Listen
)

// NewServer opens the inbound peer listener. Port 0 lets the kernel
// pick one.
func NewServer(
	pm peer.PeerManager,
	port int,
	quit chan int) (Server, error) {

	sv := &server{
		pm:   pm,
		quit: quit,
	}
	listener, err := listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		<-sv.quit
		sv.listener.Close()
	}()
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Println("peer listener stopped")
				default:
					log.Println("peer listener error:", err)
				}
				return
			}
			sv.pm.AddIncoming(conn)
		}
	}()
}

func (sv *server) GetServerPort() int {
	return sv.port
}
