// Package replication pushes manifests and modified blocks of written files
// to every configured replica server.
//
// Each server has a FIFO channel with at most one upload in flight. A single
// driver goroutine starts uploads, collects their completions and releases
// payloads; producers only enqueue and wake the driver.
package replication

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/metrics"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Config configures an Engine.
type Config struct {
	// Servers are the replica server URLs; the index is the server id.
	Servers   []string
	Transport Transport
	// Locator resolves local block files.
	Locator        *location.Service
	BlockingFactor uint64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type channel struct {
	id     int
	url    string
	sender Sender

	mu      sync.Mutex
	pending []*Upload

	// busy is only touched by the driver goroutine.
	busy bool
}

func (c *channel) push(u *Upload) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, u)
	return len(c.pending)
}

func (c *channel) head() *Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	return c.pending[0]
}

func (c *channel) pop() (*Upload, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return u, len(c.pending)
}

func (c *channel) drain() []*Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

type completion struct {
	ch      *channel
	upload  *Upload
	err     error
	elapsed time.Duration
}

// Engine replicates file writes. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	channels []*channel
	registry *registry

	// mu orders enqueues against Shutdown.
	mu     sync.RWMutex
	closed bool

	wake        chan struct{}
	completions chan completion
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	inFlight    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// Start validates every server URL, opens a sender per server and starts the
// driver. Any failure aborts startup.
func Start(cfg Config) (*Engine, error) {
	if len(cfg.Servers) > 0 && cfg.Transport == nil {
		return nil, fmt.Errorf("replication: transport required")
	}
	if cfg.Locator == nil {
		return nil, fmt.Errorf("replication: locator required")
	}
	e := &Engine{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "replication").Logger(),
		registry:    newRegistry(),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, len(cfg.Servers)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i, raw := range cfg.Servers {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			e.closeSenders()
			return nil, fmt.Errorf("replication: invalid replica server url %q", raw)
		}
		sender, err := cfg.Transport.NewSender(raw)
		if err != nil {
			e.closeSenders()
			return nil, fmt.Errorf("replication: init sender for %s: %w", raw, err)
		}
		e.channels = append(e.channels, &channel{id: i, url: raw, sender: sender})
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.run()
	e.logger.Info().Int("servers", len(e.channels)).Msg("replication engine started")
	return e, nil
}

// Servers reports the number of replica servers.
func (e *Engine) Servers() int { return len(e.channels) }

// ReplicateWrite uploads manifest and every block in modified (block id to
// block version) of fh to all replica servers. With sync set it returns
// once every server has acknowledged every upload, successfully or not;
// per-server results are available from the returned Batch.
func (e *Engine) ReplicateWrite(ctx context.Context, fh *FileHandle, manifest []byte, modified map[uint64]int64, sync bool) (*Batch, error) {
	const op = "replication.write"
	if len(e.channels) == 0 {
		return &Batch{}, nil
	}
	if fh == nil {
		return nil, xerrors.E(xerrors.KindInvalid, op, "")
	}

	uploads, err := e.prepare(fh, manifest, modified)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, fh.Path, err)
	}
	batch := &Batch{Uploads: uploads}

	if err := e.enqueue(uploads); err != nil {
		for _, u := range uploads {
			e.release(u)
		}
		return nil, err
	}

	if !sync {
		for _, u := range uploads {
			e.release(u)
		}
		return batch, nil
	}

	var waitErr error
	for _, u := range uploads {
		if waitErr != nil {
			break
		}
		select {
		case <-u.Done():
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}
	for _, u := range uploads {
		e.release(u)
	}
	if waitErr != nil {
		return batch, waitErr
	}
	return batch, nil
}

// prepare builds the manifest upload followed by one upload per modified
// block in ascending block id order. Nothing is enqueued on failure.
func (e *Engine) prepare(fh *FileHandle, manifest []byte, modified map[uint64]int64) ([]*Upload, error) {
	n := len(e.channels)
	mtimeNsec := int32(fh.MTime.Nsec)

	uploads := make([]*Upload, 0, len(modified)+1)
	mp := Payload{
		Name: location.ReplicaManifestPath(fh.Path, fh.Version, fh.MTime),
		Info: BlockInfo{
			FSPath:      fh.Path,
			FileVersion: fh.Version,
			MTimeSec:    fh.MTime.Sec,
			MTimeNsec:   mtimeNsec,
		},
		Size:     int64(len(manifest)),
		Manifest: true,
		data:     append([]byte(nil), manifest...),
	}
	uploads = append(uploads, e.track(newUpload(fh, mp, n)))

	ids := make([]uint64, 0, len(modified))
	for id := range modified {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		version := modified[id]
		path := e.cfg.Locator.LocalBlockPath(fh.Local, fh.Path, fh.Version, id, version)
		f, err := os.Open(path)
		if err != nil {
			for _, u := range uploads {
				e.release(u)
			}
			return nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			for _, u := range uploads {
				e.release(u)
			}
			return nil, err
		}
		bp := Payload{
			Name: location.ReplicaBlockPath(fh.Path, fh.Version, id, version),
			Info: BlockInfo{
				FSPath:         fh.Path,
				FileVersion:    fh.Version,
				BlockID:        id,
				BlockVersion:   version,
				BlockingFactor: e.cfg.BlockingFactor,
				MTimeSec:       fh.MTime.Sec,
				MTimeNsec:      mtimeNsec,
			},
			Size: st.Size(),
			file: f,
		}
		uploads = append(uploads, e.track(newUpload(fh, bp, n)))
	}
	return uploads, nil
}

// track registers the caller's reference of a new upload.
func (e *Engine) track(u *Upload) *Upload {
	e.registry.add(u.Handle.ID, 1)
	return u
}

func (e *Engine) enqueue(uploads []*Upload) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	for _, u := range uploads {
		for _, ch := range e.channels {
			u.ref()
			e.registry.add(u.Handle.ID, 1)
			depth := ch.push(u)
			e.cfg.Metrics.SetQueueDepth(ch.url, depth)
		}
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// release drops one reference of u; the last holder frees the payload.
func (e *Engine) release(u *Upload) {
	last := u.unref()
	e.registry.remove(u.Handle.ID)
	if !last {
		return
	}
	if err := u.Payload.close(); err != nil {
		e.logger.Warn().Err(err).Str("upload", u.ID).Msg("close payload")
	}
}

// WaitForHandle blocks until no upload of fh holds a reference. It returns
// immediately when nothing is running for fh.
func (e *Engine) WaitForHandle(ctx context.Context, fh *FileHandle) error {
	if fh == nil {
		return nil
	}
	return e.registry.wait(ctx, fh.ID)
}

// Running reports the outstanding references held for fh.
func (e *Engine) Running(fh *FileHandle) int {
	if fh == nil {
		return 0
	}
	return e.registry.running(fh.ID)
}

// Shutdown refuses new uploads, lets in-flight uploads finish, fails
// whatever is still queued and stops the driver. It is idempotent. When ctx
// ends first, in-flight transfers are cancelled and Shutdown still waits for
// the driver to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.stop)
	})
	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-e.done
	}
	e.cancel()
	return err
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.closeSenders()

	stop := e.stop
	stopping := false
	for {
		if !stopping {
			e.startIdle()
		}
		if stopping && e.inFlight.Load() == 0 {
			e.failQueued()
			e.logger.Info().Msg("replication engine stopped")
			return
		}
		select {
		case c := <-e.completions:
			e.finish(c)
		case <-e.wake:
		case <-stop:
			stopping = true
			stop = nil
		}
	}
}

func (e *Engine) startIdle() {
	for _, ch := range e.channels {
		if ch.busy {
			continue
		}
		u := ch.head()
		if u == nil {
			continue
		}
		ch.busy = true
		e.inFlight.Add(1)
		e.cfg.Metrics.UploadStarted()
		go e.send(ch, u)
	}
}

func (e *Engine) send(ch *channel, u *Upload) {
	start := time.Now()
	err := ch.sender.Send(e.ctx, &u.Payload)
	e.completions <- completion{ch: ch, upload: u, err: err, elapsed: time.Since(start)}
}

func (e *Engine) finish(c completion) {
	ch := c.ch
	u, depth := ch.pop()
	if u != c.upload {
		// The head only changes here, so this would be a driver bug.
		panic("replication: completion does not match channel head")
	}
	ch.busy = false
	e.inFlight.Add(-1)

	u.complete(ch.id, c.err)
	e.cfg.Metrics.UploadFinished()
	e.cfg.Metrics.ObserveUpload(ch.url, c.err, c.elapsed)
	e.cfg.Metrics.SetQueueDepth(ch.url, depth)

	if c.err != nil {
		e.logger.Warn().Err(c.err).
			Str("server", ch.url).
			Str("path", u.Payload.Name).
			Msg("replica upload failed")
	} else {
		e.logger.Debug().
			Str("server", ch.url).
			Str("path", u.Payload.Name).
			Int64("bytes", u.Payload.Size).
			Dur("elapsed", c.elapsed).
			Msg("replica upload complete")
	}
	e.release(u)
}

func (e *Engine) failQueued() {
	for _, ch := range e.channels {
		for _, u := range ch.drain() {
			u.fail(ch.id, ErrEngineClosed)
			e.release(u)
		}
		e.cfg.Metrics.SetQueueDepth(ch.url, 0)
	}
}

func (e *Engine) closeSenders() {
	for _, ch := range e.channels {
		if err := ch.sender.Close(); err != nil {
			e.logger.Warn().Err(err).Str("server", ch.url).Msg("close sender")
		}
	}
}
