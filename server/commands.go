package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/dserv/datapoint"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/event"
	"github.com/c360/dserv/wire"
)

// handlerFunc executes one text command. A non-nil error is reported to
// the client as a failure with the error text as payload.
type handlerFunc func(c *conn, args string) (wire.Status, string, error)

var commands = map[string]handlerFunc{
	"version":    (*conn).cmdVersion,
	"getkeys":    (*conn).cmdGetKeys,
	"set":        (*conn).cmdSet,
	"setdata":    (*conn).cmdSetData,
	"get":        (*conn).cmdGet,
	"touch":      (*conn).cmdTouch,
	"clear":      (*conn).cmdClear,
	"getsize":    (*conn).cmdGetSize,
	"reg":        (*conn).cmdReg,
	"unreg":      (*conn).cmdUnreg,
	"match":      (*conn).cmdMatch,
	"unmatch":    (*conn).cmdUnmatch,
	"getmatch":   (*conn).cmdGetMatch,
	"sub":        (*conn).cmdSub,
	"unsub":      (*conn).cmdUnsub,
	"subgroup":   (*conn).cmdSubGroup,
	"unsubgroup": (*conn).cmdUnsubGroup,
	"format":     (*conn).cmdFormat,
	"dropped":    (*conn).cmdDropped,
	"evt":        (*conn).cmdEvt,
	"evtname":    (*conn).cmdEvtName,
}

// execute runs one text command. The returned error is non-nil only when
// the connection must close after the reply is written.
func (c *conn) execute(line string) (wire.Status, string, error) {
	verb, args := wire.SplitCommand(line)
	h, ok := commands[verb]
	if !ok {
		c.srv.metrics.recordProtocolError()
		c.srv.metrics.recordCommand("unknown", statusLabel(wire.StatusFail))
		err := errors.WrapInvalid(errors.ErrUnknownCommand, "Conn", "execute", "dispatch "+strconv.Quote(verb))
		c.logger.Debug("Unknown command", "command", verb)
		return wire.StatusFail, err.Error(), nil
	}

	var closeErr error
	status, payload, err := h(c, args)
	if err != nil {
		c.srv.metrics.recordProtocolError()
		c.logger.Debug("Command failed", "command", verb, "error", err)
		status, payload = wire.StatusFail, err.Error()
		if wire.ClosesConnection(err) {
			closeErr = err
		}
	}
	c.srv.metrics.recordCommand(verb, statusLabel(status))
	return status, payload, closeErr
}

func statusLabel(s wire.Status) string {
	switch s {
	case wire.StatusOK:
		return "ok"
	case wire.StatusNotFound:
		return "not_found"
	default:
		return "fail"
	}
}

func statusOf(cond bool) wire.Status {
	if cond {
		return wire.StatusOK
	}
	return wire.StatusFail
}

func malformed(verb, what string) error {
	return errors.WrapInvalid(errors.ErrMalformedCommand, "Conn", verb, what)
}

// argName returns the single name argument of get-style commands.
func argName(verb, args string) (string, error) {
	name := strings.TrimSpace(args)
	if name == "" {
		return "", errors.WrapInvalid(errors.ErrEmptyName, "Conn", verb, "read name")
	}
	return name, nil
}

// argHostPort parses "host port" from the front of fields.
func argHostPort(verb string, fields []string) (string, int, error) {
	if len(fields) < 2 {
		return "", 0, malformed(verb, "read host and port")
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, malformed(verb, "parse port "+strconv.Quote(fields[1]))
	}
	return fields[0], port, nil
}

func argInt(verb, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, malformed(verb, "parse integer "+strconv.Quote(s))
	}
	return n, nil
}

func (c *conn) cmdVersion(string) (wire.Status, string, error) {
	return wire.StatusOK, Version, nil
}

func (c *conn) cmdGetKeys(string) (wire.Status, string, error) {
	return wire.StatusOK, strings.Join(c.srv.broker.Keys(), " "), nil
}

// cmdSet stores "name=value" as a STRING stamped with the server time.
func (c *conn) cmdSet(args string) (wire.Status, string, error) {
	name, value, found := strings.Cut(args, "=")
	name = strings.TrimSpace(name)
	if !found {
		return 0, "", malformed("cmdSet", "find '='")
	}
	if err := c.srv.broker.SetValue(name, datapoint.String, c.srv.broker.Now(), []byte(value)); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

// cmdSetData stores a datapoint in text form; timestamp 0 means now.
func (c *conn) cmdSetData(args string) (wire.Status, string, error) {
	dp, err := datapoint.ParseText(args)
	if err != nil {
		return 0, "", err
	}
	dp.Timestamp = c.srv.broker.Stamp(dp.Timestamp)
	if err := c.srv.broker.Set(dp); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func (c *conn) cmdGet(args string) (wire.Status, string, error) {
	name, err := argName("cmdGet", args)
	if err != nil {
		return 0, "", err
	}
	dp, found := c.srv.broker.Get(name)
	if !found {
		return wire.StatusNotFound, "", nil
	}
	text, err := dp.FormatText()
	if err != nil {
		return 0, "", err
	}
	return wire.StatusOK, text, nil
}

func (c *conn) cmdTouch(args string) (wire.Status, string, error) {
	name, err := argName("cmdTouch", args)
	if err != nil {
		return 0, "", err
	}
	return statusOf(c.srv.broker.Touch(name)), "", nil
}

func (c *conn) cmdClear(args string) (wire.Status, string, error) {
	name, err := argName("cmdClear", args)
	if err != nil {
		return 0, "", err
	}
	return statusOf(c.srv.broker.Clear(name)), "", nil
}

func (c *conn) cmdGetSize(args string) (wire.Status, string, error) {
	name, err := argName("cmdGetSize", args)
	if err != nil {
		return 0, "", err
	}
	dp, found := c.srv.broker.Get(name)
	if !found {
		return wire.StatusNotFound, "", nil
	}
	return wire.StatusOK, strconv.Itoa(len(dp.Data)), nil
}

// cmdReg registers an outbound push client: "host port [flags]".
func (c *conn) cmdReg(args string) (wire.Status, string, error) {
	fields := strings.Fields(args)
	host, port, err := argHostPort("cmdReg", fields)
	if err != nil {
		return 0, "", err
	}
	flags := 0
	if len(fields) > 2 {
		if flags, err = argInt("cmdReg", fields[2]); err != nil {
			return 0, "", err
		}
	}
	if err := c.srv.senders.Register(host, port, flags); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func (c *conn) cmdUnreg(args string) (wire.Status, string, error) {
	host, port, err := argHostPort("cmdUnreg", strings.Fields(args))
	if err != nil {
		return 0, "", err
	}
	c.srv.senders.Unregister(host, port)
	return wire.StatusOK, "", nil
}

// cmdMatch adds a pattern to a registered push client:
// "host port pattern [every]".
func (c *conn) cmdMatch(args string) (wire.Status, string, error) {
	fields := strings.Fields(args)
	host, port, err := argHostPort("cmdMatch", fields)
	if err != nil {
		return 0, "", err
	}
	if len(fields) < 3 {
		return 0, "", malformed("cmdMatch", "read pattern")
	}
	every := 1
	if len(fields) > 3 {
		if every, err = argInt("cmdMatch", fields[3]); err != nil {
			return 0, "", err
		}
	}
	if err := c.srv.senders.AddMatch(host, port, fields[2], every); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func (c *conn) cmdUnmatch(args string) (wire.Status, string, error) {
	fields := strings.Fields(args)
	host, port, err := argHostPort("cmdUnmatch", fields)
	if err != nil {
		return 0, "", err
	}
	if len(fields) < 3 {
		return 0, "", malformed("cmdUnmatch", "read pattern")
	}
	return statusOf(c.srv.senders.RemoveMatch(host, port, fields[2])), "", nil
}

// cmdGetMatch lists "pattern every" pairs of a push client.
func (c *conn) cmdGetMatch(args string) (wire.Status, string, error) {
	host, port, err := argHostPort("cmdGetMatch", strings.Fields(args))
	if err != nil {
		return 0, "", err
	}
	filters, found := c.srv.senders.Matches(host, port)
	if !found {
		return wire.StatusNotFound, "", nil
	}
	parts := make([]string, 0, 2*len(filters))
	for _, f := range filters {
		parts = append(parts, f.Pattern, strconv.Itoa(f.Every))
	}
	return wire.StatusOK, strings.Join(parts, " "), nil
}

// cmdSub subscribes this connection: "pattern [every]".
func (c *conn) cmdSub(args string) (wire.Status, string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, "", malformed("cmdSub", "read pattern")
	}
	every := 1
	if len(fields) > 1 {
		var err error
		if every, err = argInt("cmdSub", fields[1]); err != nil {
			return 0, "", err
		}
	}
	if err := c.subscriber().Subscribe(fields[0], every); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func (c *conn) cmdUnsub(args string) (wire.Status, string, error) {
	pattern := strings.TrimSpace(args)
	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()
	if sub == nil {
		return wire.StatusFail, "", nil
	}
	return statusOf(sub.Unsubscribe(pattern)), "", nil
}

func (c *conn) cmdSubGroup(args string) (wire.Status, string, error) {
	id, err := argInt("cmdSubGroup", strings.TrimSpace(args))
	if err != nil {
		return 0, "", err
	}
	if err := c.subscriber().SubscribeGroup(id); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func (c *conn) cmdUnsubGroup(args string) (wire.Status, string, error) {
	id, err := argInt("cmdUnsubGroup", strings.TrimSpace(args))
	if err != nil {
		return 0, "", err
	}
	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()
	if sub == nil {
		return wire.StatusFail, "", nil
	}
	return statusOf(sub.UnsubscribeGroup(id)), "", nil
}

func (c *conn) cmdFormat(args string) (wire.Status, string, error) {
	f, err := wire.ParseFormat(strings.TrimSpace(args))
	if err != nil {
		return 0, "", err
	}
	c.subscriber().SetFormat(f)
	return wire.StatusOK, f.String(), nil
}

func (c *conn) cmdDropped(string) (wire.Status, string, error) {
	return wire.StatusOK, strconv.FormatInt(c.dropped(), 10), nil
}

// cmdEvt posts an event: "type subtype timestamp datalen {base64}".
func (c *conn) cmdEvt(args string) (wire.Status, string, error) {
	typ, subtype, ts, data, err := parseEvt(args)
	if err != nil {
		return 0, "", err
	}
	if _, err := c.srv.broker.PutEvent(typ, subtype, ts, data); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

// cmdEvtName renames an event slot: "type puttype name". The rename is
// posted as an E_NAME event whose timestamp carries the slot settings.
func (c *conn) cmdEvtName(args string) (wire.Status, string, error) {
	fields := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(fields) < 3 {
		return 0, "", malformed("cmdEvtName", "read type, put type and name")
	}
	slot, err := strconv.ParseUint(fields[0], 0, 8)
	if err != nil {
		return 0, "", malformed("cmdEvtName", "parse type "+strconv.Quote(fields[0]))
	}
	put, err := strconv.ParseUint(fields[1], 0, 8)
	if err != nil {
		return 0, "", malformed("cmdEvtName", "parse put type "+strconv.Quote(fields[1]))
	}
	if slot <= uint64(event.SubtypeReset) {
		return 0, "", malformed("cmdEvtName", fmt.Sprintf("rename reserved slot %d", slot))
	}

	field := event.RenameField(event.DefaultTimeType, event.PutType(put))
	if _, err := c.srv.broker.PutEvent(event.TypeName, uint8(slot), field, []byte(fields[2])); err != nil {
		return 0, "", err
	}
	return wire.StatusOK, "", nil
}

func parseEvt(args string) (typ, subtype uint8, ts uint64, data []byte, err error) {
	head, body, found := strings.Cut(args, "{")
	fields := strings.Fields(head)
	if !found || len(fields) != 4 {
		return 0, 0, 0, nil, malformed("cmdEvt", "read type, subtype, timestamp and length")
	}
	end := strings.IndexByte(body, '}')
	if end < 0 {
		return 0, 0, 0, nil, malformed("cmdEvt", "closing brace missing")
	}

	var nums [4]uint64
	bits := [4]int{8, 8, 64, 31}
	for i, f := range fields {
		if nums[i], err = strconv.ParseUint(f, 0, bits[i]); err != nil {
			return 0, 0, 0, nil, malformed("cmdEvt", "parse field "+strconv.Quote(f))
		}
	}

	data, err = datapoint.DecodeBase64(body[:end])
	if err != nil {
		return 0, 0, 0, nil, err
	}
	if uint64(len(data)) != nums[3] {
		return 0, 0, 0, nil, errors.WrapInvalid(errors.ErrLengthMismatch, "Conn", "cmdEvt",
			fmt.Sprintf("decode %d bytes, header says %d", len(data), nums[3]))
	}
	return uint8(nums[0]), uint8(nums[1]), nums[2], data, nil
}
