package server

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/proxy"
)

// defaultReadSize 是未指定 size 时单次读取的字节数。
const defaultReadSize = 64 * 1024

// maxReadSize 限制单次读取请求。
const maxReadSize = 16 * 1024 * 1024

// ProxyApp is the proxy role's Fiber app plus its live sessions.
type ProxyApp struct {
	*fiber.App
	sessions *sessionRegistry
}

type openBody struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

type seekBody struct {
	Pos    int64  `json:"pos"`
	Whence string `json:"whence"`
}

type unlinkBody struct {
	Path string `json:"path"`
}

// NewProxyApp exposes svc through the session HTTP API.
func NewProxyApp(svc *proxy.Service, opts AppOptions) (*ProxyApp, error) {
	if svc == nil {
		return nil, errors.New("proxy service is required")
	}
	app, err := newApp(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	sessions := newSessionRegistry()

	app.Post("/sessions", func(c fiber.Ctx) error {
		sess := svc.NewSession()
		sessions.add(sess)
		logger.WithFields(logrus.Fields{
			"action":     "session_start",
			"session":    sess.ID(),
			"request_id": RequestID(c),
		}).Debug("session started")
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session": sess.ID()})
	})

	app.Delete("/sessions/:sid", func(c fiber.Ctx) error {
		sess := sessions.remove(c.Params("sid"))
		if sess == nil {
			return renderError(c, logger, "session_end", fserr.New("end", "", fserr.BadHandle))
		}
		if err := sess.End(); err != nil {
			return renderError(c, logger, "session_end", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/sessions/:sid/open", func(c fiber.Ctx) error {
		sess, err := sessions.get(c.Params("sid"))
		if err != nil {
			return renderError(c, logger, "open", err)
		}
		var body openBody
		if err := decodeBody(c, &body); err != nil {
			return renderError(c, logger, "open", fserr.Wrap("open", "", fserr.InvalidArgument, err))
		}
		mode, err := backing.ParseMode(body.Mode)
		if err != nil {
			return renderError(c, logger, "open", err)
		}
		fd, err := sess.Open(c.Context(), body.Path, mode)
		if err != nil {
			return renderError(c, logger, "open", err)
		}
		return c.JSON(fiber.Map{"handle": fd})
	})

	app.Post("/sessions/:sid/handles/:fd/read", func(c fiber.Ctx) error {
		sess, fd, err := sessions.handle(c)
		if err != nil {
			return renderError(c, logger, "read", err)
		}
		size := defaultReadSize
		if raw := c.Query("size"); raw != "" {
			size, err = strconv.Atoi(raw)
			if err != nil || size <= 0 || size > maxReadSize {
				return renderError(c, logger, "read", fserr.New("read", "", fserr.InvalidArgument))
			}
		}
		buf := make([]byte, size)
		n, err := sess.Read(fd, buf)
		if err != nil {
			return renderError(c, logger, "read", err)
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		return c.Send(buf[:n])
	})

	app.Post("/sessions/:sid/handles/:fd/write", func(c fiber.Ctx) error {
		sess, fd, err := sessions.handle(c)
		if err != nil {
			return renderError(c, logger, "write", err)
		}
		body := append([]byte{}, c.Body()...)
		n, err := sess.Write(fd, body)
		if err != nil {
			return renderError(c, logger, "write", err)
		}
		return c.JSON(fiber.Map{"written": n})
	})

	app.Post("/sessions/:sid/handles/:fd/seek", func(c fiber.Ctx) error {
		sess, fd, err := sessions.handle(c)
		if err != nil {
			return renderError(c, logger, "seek", err)
		}
		var body seekBody
		if err := decodeBody(c, &body); err != nil {
			return renderError(c, logger, "seek", fserr.Wrap("seek", "", fserr.InvalidArgument, err))
		}
		whence, err := proxy.ParseWhence(body.Whence)
		if err != nil {
			return renderError(c, logger, "seek", err)
		}
		pos, err := sess.Seek(fd, body.Pos, whence)
		if err != nil {
			return renderError(c, logger, "seek", err)
		}
		return c.JSON(fiber.Map{"position": pos})
	})

	app.Delete("/sessions/:sid/handles/:fd", func(c fiber.Ctx) error {
		sess, fd, err := sessions.handle(c)
		if err != nil {
			return renderError(c, logger, "close", err)
		}
		if err := sess.Close(c.Context(), fd); err != nil {
			return renderError(c, logger, "close", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/sessions/:sid/unlink", func(c fiber.Ctx) error {
		sess, err := sessions.get(c.Params("sid"))
		if err != nil {
			return renderError(c, logger, "unlink", err)
		}
		var body unlinkBody
		if err := decodeBody(c, &body); err != nil {
			return renderError(c, logger, "unlink", fserr.Wrap("unlink", "", fserr.InvalidArgument, err))
		}
		if err := sess.Unlink(c.Context(), body.Path); err != nil {
			return renderError(c, logger, "unlink", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	registerDiagnostics(app, diagnostics{
		role:     "proxy",
		cache:    svc.Cache(),
		sessions: sessions.len,
		metrics:  opts.Metrics,
	})
	return &ProxyApp{App: app, sessions: sessions}, nil
}

// Sessions returns the number of live sessions.
func (a *ProxyApp) Sessions() int {
	return a.sessions.len()
}

// EndSessions ends every live session, used on shutdown.
func (a *ProxyApp) EndSessions() error {
	var result *multierror.Error
	for _, sess := range a.sessions.drain() {
		if err := sess.End(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sessionRegistry 按会话 ID 保存存活会话。
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*proxy.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*proxy.Session)}
}

func (r *sessionRegistry) add(s *proxy.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) get(id string) (*proxy.Session, error) {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil, fserr.New("session", "", fserr.BadHandle)
	}
	return s, nil
}

func (r *sessionRegistry) remove(id string) *proxy.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

func (r *sessionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *sessionRegistry) drain() []*proxy.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*proxy.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[string]*proxy.Session)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// handle 解析路由中的会话与句柄编号。
func (r *sessionRegistry) handle(c fiber.Ctx) (*proxy.Session, uint64, error) {
	sess, err := r.get(c.Params("sid"))
	if err != nil {
		return nil, 0, err
	}
	fd, err := strconv.ParseUint(c.Params("fd"), 10, 64)
	if err != nil || fd == 0 {
		return nil, 0, fserr.New("handle", c.Params("fd"), fserr.BadHandle)
	}
	return sess, fd, nil
}
