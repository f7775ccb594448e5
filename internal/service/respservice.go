package service

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var _ iface.RespRegister = new(Resp2Service)

type Resp2Service struct {
	server         *redcon.Server
	commandMapping map[string]iface.RespCommandHandler

	config *RespServiceConfig

	log *logrus.Entry
	sync.Mutex
}

type RespServiceConfig struct {
	Addr string
}

func NewResp2Service(config *RespServiceConfig) *Resp2Service {
	r := new(Resp2Service)

	server := redcon.NewServerNetwork("tcp", config.Addr, r.processCommand, r.acceptConn, r.closedConn)
	r.server = server
	r.config = config
	r.log = logging.Component("service.resp").WithField("addr", config.Addr)
	r.commandMapping = make(map[string]iface.RespCommandHandler)
	r.AddCommandHandler("PING", func(args []iface.RespArg) (iface.RespResult, error) {
		return iface.RespStringResult("PONG"), nil
	})

	return r
}

func (r *Resp2Service) ServeAndWait() error {
	return r.server.ListenAndServe()
}

// Startup listens and serves in the background, returning once the listener is bound.
func (r *Resp2Service) Startup() error {
	signal := make(chan error, 1)
	go func() {
		if err := r.server.ListenServeAndSignal(signal); err != nil {
			r.log.Errorln("resp server stopped:", err)
		}
	}()
	if err := <-signal; err != nil {
		return fmt.Errorf("resp listen on %s: %w", r.config.Addr, err)
	}
	r.log.Infoln("resp server started on", r.server.Addr())
	return nil
}

func (r *Resp2Service) Addr() net.Addr {
	return r.server.Addr()
}

func (r *Resp2Service) Close() error {
	return r.server.Close()
}

func (r *Resp2Service) processCommand(conn redcon.Conn, cmd redcon.Command) {
	c := strings.ToLower(string(cmd.Args[0]))
	r.Lock()
	h, ok := r.commandMapping[c]
	r.Unlock()
	if !ok {
		conn.WriteError("ERR unknown command '" + c + "'")
		return
	}
	args := make([]iface.RespArg, 0, len(cmd.Args))
	for _, v := range cmd.Args {
		args = append(args, v)
	}
	result, err := h(args)
	if err != nil {
		r.log.Warnln("process command", c, "failed:", err)
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err := result(conn); err != nil {
		r.log.Warnln("render result of", c, "failed:", err)
		return
	}
}

func (r *Resp2Service) AddCommandHandler(command string, h iface.RespCommandHandler) {
	r.Lock()
	defer r.Unlock()
	r.commandMapping[strings.ToLower(command)] = h
}

func (r *Resp2Service) acceptConn(conn redcon.Conn) bool {
	r.log.Debugln("accept peer connection:", conn.RemoteAddr())
	return true
}

func (r *Resp2Service) closedConn(conn redcon.Conn, err error) {
	r.log.Debugln("close peer connection:", conn.RemoteAddr(), "error:", err)
}
