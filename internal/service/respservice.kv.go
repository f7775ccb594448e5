package service

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/logging"
)

var ErrPatternUnsupported = errors.New("only prefix patterns are supported")

// RespKVHandler serves a KVStorage over the redis protocol so that the node can be used
// as a remote kv adapter.
type RespKVHandler struct {
	kv  iface.KVStorage
	log *logrus.Entry
}

func NewRespKVHandler(kv iface.KVStorage) RespKVHandler {
	return RespKVHandler{
		kv:  kv,
		log: logging.Component("service.resp.kv"),
	}
}

func (h RespKVHandler) Register(rs iface.RespRegister) {
	rs.AddCommandHandler("get", h.get)
	rs.AddCommandHandler("set", h.set)
	rs.AddCommandHandler("del", h.del)
	rs.AddCommandHandler("keys", h.keys)
}

func (h RespKVHandler) get(args []iface.RespArg) (iface.RespResult, error) {
	if len(args) != 2 {
		return iface.RespErrorResult("ERR wrong number of arguments for 'get' command"), nil
	}
	val, found, err := h.kv.Get(args[1])
	if err != nil {
		h.log.Warnln("get failed:", err)
		return iface.RespErrorResult("ERR get value failed: " + err.Error()), nil
	}
	if !found {
		return iface.RespNilResult(), nil
	}
	return iface.RespValueResult(val), nil
}

func (h RespKVHandler) set(args []iface.RespArg) (iface.RespResult, error) {
	// SET options such as EX or NX are not supported
	if len(args) != 3 {
		return iface.RespErrorResult("ERR wrong number of arguments for 'set' command"), nil
	}
	if err := h.kv.Put(args[1], args[2]); err != nil {
		h.log.Warnln("set failed:", err)
		return iface.RespErrorResult("ERR set value failed: " + err.Error()), nil
	}
	return iface.RespStringResult("OK"), nil
}

func (h RespKVHandler) del(args []iface.RespArg) (iface.RespResult, error) {
	if len(args) < 2 {
		return iface.RespErrorResult("ERR wrong number of arguments for 'del' command"), nil
	}
	removed := 0
	for _, k := range args[1:] {
		_, found, err := h.kv.Get(k)
		if err != nil {
			return iface.RespErrorResult("ERR del failed: " + err.Error()), nil
		}
		if !found {
			continue
		}
		if err := h.kv.Delete(k); err != nil {
			h.log.Warnln("del failed:", err)
			return iface.RespErrorResult("ERR del failed: " + err.Error()), nil
		}
		removed++
	}
	return iface.RespIntResult(removed), nil
}

func (h RespKVHandler) keys(args []iface.RespArg) (iface.RespResult, error) {
	if len(args) != 2 {
		return iface.RespErrorResult("ERR wrong number of arguments for 'keys' command"), nil
	}
	prefix, err := patternPrefix(string(args[1]))
	if err != nil {
		return iface.RespErrorResult("ERR " + err.Error()), nil
	}
	keys, err := h.kv.Keys(prefix)
	if err != nil {
		return iface.RespErrorResult("ERR keys failed: " + err.Error()), nil
	}
	return iface.RespStringArrayResult(keys), nil
}

// patternPrefix turns "prefix*" into "prefix". An exact key without wildcards is not
// accepted either.
func patternPrefix(pattern string) (string, error) {
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok || strings.ContainsAny(prefix, "*?[]\\") {
		return "", ErrPatternUnsupported
	}
	return prefix, nil
}
