package pgwirex

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"

	"github.com/pgcorex/pgcorex/zaputils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var enableMessageLogging bool = os.Getenv("PGCX_MESSAGE_LOGGING") != ""

type messageHandler interface {
	handleMessage(c *Client, msgType byte, payload []byte) (bool, error)
	fail(err error)
}

// Client is a basic postgres client that provides pipelined statement
// dispatch over a single connection.  Responses are matched to dispatched
// statements in FIFO order, which is what gives chained statements their
// wire-ordering guarantee.  Note that it is not thread-safe on the dispatch
// side, but does use locks to prevent internal races between statements
// being sent and responses being received.
type Client struct {
	conn          *Conn
	logger        *zap.Logger
	closeHandler  func(error)
	noticeHandler func(*ServerError)

	lock              sync.Mutex
	pending           []messageHandler
	parameterStatuses map[string]string
	backendPID        int32
	backendKey        int32
	closed            bool
}

type ClientOptions struct {
	CloseHandler  func(error)
	NoticeHandler func(*ServerError)
	Logger        *zap.Logger
}

func NewClient(conn *Conn, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		conn:          conn,
		logger:        logger,
		closeHandler:  opts.CloseHandler,
		noticeHandler: opts.NoticeHandler,

		parameterStatuses: make(map[string]string),
	}
	go c.run()

	return c
}

func (c *Client) run() {
	var closeErr error
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}

		if enableMessageLogging {
			c.logger.Debug("read message",
				zap.String("type", string(msgType)),
				zap.Binary("payload", payload),
			)
		}

		err = c.routeMessage(msgType, payload)
		if err != nil {
			c.logger.Debug("failed to route message", zap.Error(err))
			closeErr = err
			break
		}
	}

	c.failPending(errors.Wrap(ErrConnectionFailed, closeErr.Error()))

	if c.closeHandler != nil {
		c.closeHandler(closeErr)
	}
}

func (c *Client) routeMessage(msgType byte, payload []byte) error {
	// Asynchronous messages are not tied to any particular statement and
	// are handled at the client level.
	switch msgType {
	case msgTypeNoticeResponse:
		notice, err := decodeErrorResponse(payload)
		if err != nil {
			return err
		}
		if c.noticeHandler != nil {
			c.noticeHandler(notice)
		} else {
			c.logger.Debug("received notice",
				zaputils.SQLState("sqlstate", notice.Code),
				zap.String("message", notice.Message))
		}
		return nil
	case msgTypeParameterStatus:
		name, value, err := decodeParameterStatus(payload)
		if err != nil {
			return err
		}
		c.lock.Lock()
		c.parameterStatuses[name] = value
		c.lock.Unlock()
		return nil
	case msgTypeBackendKeyData:
		r := &payloadReader{buf: payload}
		pid, err := r.readInt32()
		if err != nil {
			return err
		}
		key, err := r.readInt32()
		if err != nil {
			return err
		}
		c.lock.Lock()
		c.backendPID = pid
		c.backendKey = key
		c.lock.Unlock()
		return nil
	}

	c.lock.Lock()
	if len(c.pending) == 0 {
		c.lock.Unlock()
		return protocolError{"response message with no statement in flight"}
	}
	handler := c.pending[0]
	c.lock.Unlock()

	done, err := handler.handleMessage(c, msgType, payload)
	if err != nil {
		return err
	}

	if done {
		c.lock.Lock()
		c.pending = c.pending[1:]
		c.lock.Unlock()
	}

	return nil
}

func (c *Client) registerHandler(handler messageHandler) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrClientClosed
	}
	c.pending = append(c.pending, handler)
	c.lock.Unlock()
	return nil
}

func (c *Client) removeHandler(handler messageHandler) {
	c.lock.Lock()
	for i := len(c.pending) - 1; i >= 0; i-- {
		if c.pending[i] == handler {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.lock.Unlock()
}

func (c *Client) failPending(err error) {
	c.lock.Lock()
	pending := c.pending
	c.pending = nil
	c.closed = true
	c.lock.Unlock()

	for _, handler := range pending {
		handler.fail(err)
	}
}

type StartupOptions struct {
	Username string
	Password string
	Database string
}

// Startup performs the startup and authentication exchange, invoking cb once
// the server reports it is ready for queries.  Only cleartext and MD5
// password authentication are supported.
func (c *Client) Startup(opts StartupOptions, cb func(error)) error {
	handler := &startupHandler{
		user:     opts.Username,
		password: opts.Password,
		cb:       cb,
	}
	if err := c.registerHandler(handler); err != nil {
		return err
	}

	err := c.conn.WriteStartupMessage(encodeStartupPayload(opts.Username, opts.Database))
	if err == nil {
		err = c.conn.Flush()
	}
	if err != nil {
		c.removeHandler(handler)
		return errors.Wrap(err, "failed to write startup message")
	}

	return nil
}

// Query dispatches a single statement to the server, invoking cb with its
// result once the statement completes.  Statements with no arguments use the
// simple query protocol, parametrized statements ($1..$n placeholders) use
// the extended protocol with text-format parameters.
// Note that cb is invoked from the reader goroutine and can fire before
// Query returns.  You are guaranteed to either receive the callback OR
// receive an error from this call, never both.
func (c *Client) Query(statement string, args []any, cb func(*QueryResult, error)) error {
	encodedArgs, err := encodeParams(args)
	if err != nil {
		return err
	}

	handler := &queryHandler{cb: cb}
	if err := c.registerHandler(handler); err != nil {
		return err
	}

	if enableMessageLogging {
		c.logger.Debug("dispatching statement",
			zaputils.FQStatement("statement", statement, args))
	}

	if len(args) == 0 {
		err = c.conn.WriteMessage(msgTypeQuery, encodeQueryPayload(statement))
	} else {
		err = c.conn.WriteMessage(msgTypeParse, encodeParsePayload(statement))
		if err == nil {
			err = c.conn.WriteMessage(msgTypeBind, encodeBindPayload(encodedArgs))
		}
		if err == nil {
			err = c.conn.WriteMessage(msgTypeDescribe, encodeDescribePortalPayload())
		}
		if err == nil {
			err = c.conn.WriteMessage(msgTypeExecute, encodeExecutePayload())
		}
		if err == nil {
			err = c.conn.WriteMessage(msgTypeSync, nil)
		}
	}
	if err == nil {
		err = c.conn.Flush()
	}
	if err != nil {
		c.logger.Debug("failed to write statement",
			zap.Error(err),
			zap.String("statement", statement),
		)
		c.removeHandler(handler)
		return err
	}

	return nil
}

// ParameterStatus returns the most recently reported value of a run-time
// parameter such as server_version or standard_conforming_strings.
func (c *Client) ParameterStatus(name string) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.parameterStatuses[name]
}

func (c *Client) Close() error {
	// Terminate is best-effort, the connection close is what matters.
	_ = c.conn.WriteMessage(msgTypeTerminate, nil)
	_ = c.conn.Flush()

	err := c.conn.Close()
	if err != nil {
		return err
	}

	// Close will prevent any further reads from occurring, so any already
	// in-flight statements will never receive responses and need to be
	// failed here.
	c.failPending(ErrClosedInFlight)

	return nil
}

type startupHandler struct {
	user     string
	password string
	once     sync.Once
	cb       func(error)
}

func (h *startupHandler) complete(err error) {
	h.once.Do(func() {
		h.cb(err)
	})
}

func (h *startupHandler) fail(err error) {
	h.complete(err)
}

func (h *startupHandler) handleMessage(c *Client, msgType byte, payload []byte) (bool, error) {
	switch msgType {
	case msgTypeAuthentication:
		r := &payloadReader{buf: payload}
		authType, err := r.readInt32()
		if err != nil {
			return false, err
		}

		switch authType {
		case authTypeOk:
			return false, nil
		case authTypeCleartextPassword:
			err := c.conn.WriteMessage(msgTypePassword, appendCString(nil, h.password))
			if err == nil {
				err = c.conn.Flush()
			}
			return false, err
		case authTypeMD5Password:
			salt, err := r.readBytes(4)
			if err != nil {
				return false, err
			}
			err = c.conn.WriteMessage(msgTypePassword,
				appendCString(nil, md5Password(h.user, h.password, salt)))
			if err == nil {
				err = c.conn.Flush()
			}
			return false, err
		default:
			err = errors.Wrapf(ErrUnsupportedAuth, "authentication type %d", authType)
			h.complete(err)
			return true, err
		}
	case msgTypeErrorResponse:
		serverErr, err := decodeErrorResponse(payload)
		if err != nil {
			return false, err
		}
		h.complete(serverErr)
		return true, nil
	case msgTypeReadyForQuery:
		h.complete(nil)
		return true, nil
	default:
		// parameter statuses and key data are handled at the client level,
		// anything else during startup is ignorable.
		return false, nil
	}
}

type queryHandler struct {
	once sync.Once
	cb   func(*QueryResult, error)

	res QueryResult
	err error
}

func (h *queryHandler) fail(err error) {
	h.once.Do(func() {
		h.cb(nil, err)
	})
}

func (h *queryHandler) handleMessage(c *Client, msgType byte, payload []byte) (bool, error) {
	switch msgType {
	case msgTypeRowDescription:
		fields, err := decodeRowDescription(payload)
		if err != nil {
			return false, err
		}
		h.res.Fields = fields
	case msgTypeDataRow:
		row, err := decodeDataRow(payload)
		if err != nil {
			return false, err
		}
		h.res.Rows = append(h.res.Rows, row)
	case msgTypeCommandComplete:
		tag, err := decodeCommandComplete(payload)
		if err != nil {
			return false, err
		}
		h.res.CommandTag = tag
	case msgTypeErrorResponse:
		serverErr, err := decodeErrorResponse(payload)
		if err != nil {
			return false, err
		}
		// the server discards the remainder of the statement sequence and
		// reports ReadyForQuery next, the error is surfaced there.
		h.err = serverErr
	case msgTypeReadyForQuery:
		if h.err != nil {
			err := h.err
			h.once.Do(func() {
				h.cb(nil, err)
			})
		} else {
			h.once.Do(func() {
				h.cb(&h.res, nil)
			})
		}
		return true, nil
	case msgTypeParseComplete, msgTypeBindComplete, msgTypeNoData,
		msgTypeParameterDesc, msgTypePortalSuspended, msgTypeEmptyQueryResponse:
		// no result data to collect for these.
	}

	return false, nil
}

func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
