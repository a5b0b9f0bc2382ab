package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/agenthost/internal/agent"
	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/scheduler"
)

const (
	PollWorker       = "POLL_FEED"
	PollTag          = "poll"
	PollerService    = "poller"
	PollDigestKey    = "poll_digest"
	pollBodyLimit    = 1 << 20
	defaultPollEvery = 300000
)

// FeedClient fetches one URL on behalf of an agent.
type FeedClient struct {
	URL    string
	apiKey string
	client *http.Client
}

// Fetch returns the response body. The agent's API_KEY secret, when set,
// is sent as a bearer token.
func (c *FeedClient) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("feed %s returned %d: %s", c.URL, resp.StatusCode, string(body))
	}
	return io.ReadAll(io.LimitReader(resp.Body, pollBodyLimit))
}

// Poller is dependency-optional: its worker only does work for agents
// whose runtime provides the poller service, and removes its tasks
// everywhere else.
type Poller struct {
	sched    *scheduler.Scheduler
	cache    Cache
	registry *agent.Registry
	client   *http.Client
	logger   *slog.Logger
}

func NewPoller(sched *scheduler.Scheduler, cache Cache, registry *agent.Registry, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		sched:    sched,
		cache:    cache,
		registry: registry,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger.With("component", "plugin.poller"),
	}
}

func (p *Poller) Name() string { return "poller" }

// Setup registers the poller service and its task when settings.pollUrl is set.
func (p *Poller) Setup(ctx context.Context, rt *agent.Runtime) error {
	url := rt.SettingString("pollUrl", "")
	if url == "" {
		return nil
	}
	apiKey, _ := rt.Secret("API_KEY")
	rt.RegisterService(PollerService, &FeedClient{URL: url, apiKey: apiKey, client: p.client})

	every := rt.SettingInt("pollIntervalMs", defaultPollEvery)
	if every <= 0 {
		every = defaultPollEvery
	}
	return register(ctx, p.sched, PollTag, rt.ID, &pollWorker{p},
		persistence.TaskDefinition{
			Name:        PollWorker,
			Description: "poll " + url,
			Tags:        []string{persistence.TagQueue, persistence.TagRepeat, persistence.TagImmediate, PollTag},
			Metadata:    persistence.TaskMetadata{UpdateInterval: every},
		})
}

func (p *Poller) feed(worldID string) (*FeedClient, bool) {
	rt, ok := p.registry.Get(worldID)
	if !ok {
		return nil, false
	}
	svc, ok := rt.Service(PollerService)
	if !ok {
		return nil, false
	}
	fc, ok := svc.(*FeedClient)
	return fc, ok
}

type pollWorker struct {
	p *Poller
}

func (w *pollWorker) Name() string { return PollWorker }

// Validate deregisters the world's poll tasks when its runtime lacks the
// poller service.
func (w *pollWorker) Validate(ctx context.Context, task persistence.TaskDefinition) bool {
	if _, ok := w.p.feed(task.WorldID); ok {
		return true
	}
	var err error
	if task.WorldID == "" {
		err = w.p.sched.DeleteTask(ctx, task.ID)
	} else {
		_, err = w.p.sched.DeleteTasksByName(ctx, PollWorker, task.WorldID)
	}
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		w.p.logger.Warn("poller deregistration failed", "world_id", task.WorldID, "error", err)
	} else {
		w.p.logger.Info("poller service missing, tasks removed", "world_id", task.WorldID)
	}
	return false
}

func (w *pollWorker) Execute(ctx context.Context, task persistence.TaskDefinition) error {
	fc, ok := w.p.feed(task.WorldID)
	if !ok {
		// The runtime went away between validate and execute.
		if err := w.p.sched.DeleteTask(ctx, task.ID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		return nil
	}
	body, err := fc.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if err := w.p.cache.SetCache(ctx, task.WorldID, PollDigestKey, digest); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("poll: store digest: %w", err)
	}
	return nil
}
