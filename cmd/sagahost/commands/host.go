package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/abecu-hub/go-bus/internal/config"
	"github.com/abecu-hub/go-bus/internal/logger"
	"github.com/abecu-hub/go-bus/internal/metrics"
	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	sagainmem "github.com/abecu-hub/go-bus/pkg/servicebus/saga/inmem"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga/mongodb"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga/redisstore"
	"github.com/abecu-hub/go-bus/pkg/servicebus/transport/inmem"
	"github.com/abecu-hub/go-bus/pkg/servicebus/transport/rabbitmq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// host is one configured endpoint with the two demo sagas registered
type host struct {
	config   *config.Config
	log      *logger.Logger
	endpoint *servicebus.Endpoint
	network  *inmem.Network
	tally    *tally
	closers  []func() error
}

func newHost(ctx context.Context, cfg *config.Config, out io.Writer) (*host, error) {
	log, err := logger.New(cfg.Endpoint.Name, out).Level(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}

	h := &host{
		config: cfg,
		log:    log,
		tally:  newTally(metrics.New(), SimpleSaga1, SimpleSaga2),
	}

	store, err := h.createStore(ctx)
	if err != nil {
		h.close()
		return nil, err
	}

	h.endpoint = servicebus.Create(cfg.Endpoint.Name, h.createTransport(),
		servicebus.UseSagas(store, store),
		servicebus.UseWorkers(cfg.Endpoint.Workers),
		servicebus.UseLockTimeout(cfg.Endpoint.LockTimeout),
		servicebus.UseResolveAttempts(cfg.Endpoint.ResolveAttempts),
		servicebus.UseLogger(log),
		servicebus.UseMetrics(h.tally))

	for _, def := range []*saga.Definition{simpleSaga(SimpleSaga1), simpleSaga(SimpleSaga2)} {
		if err := h.endpoint.Saga(def); err != nil {
			h.close()
			return nil, err
		}
	}
	return h, nil
}

// sagaStore is what the coordinator needs from a backend
type sagaStore interface {
	saga.Store
	saga.Index
}

func (h *host) createStore(ctx context.Context) (sagaStore, error) {
	cfg := h.config.Store
	switch cfg.Kind {
	case "mongodb":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		h.closers = append(h.closers, func() error { return client.Disconnect(context.Background()) })

		var storeOptions []func(*mongodb.MongoStore) error
		if cfg.Transactions {
			storeOptions = append(storeOptions, mongodb.UseTransactions())
		}
		if cfg.ExpireInSeconds > 0 {
			storeOptions = append(storeOptions, mongodb.ExpireInSeconds(cfg.ExpireInSeconds))
		}
		return mongodb.CreateMongoStore(client, cfg.Database, cfg.Collection, storeOptions...)
	case "redis":
		store, err := redisstore.CreateRedisStore(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, h.config.Endpoint.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		h.closers = append(h.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		return store, nil
	default:
		return sagainmem.CreateStore(), nil
	}
}

func (h *host) createTransport() servicebus.Transport {
	cfg := h.config.Transport
	switch cfg.Kind {
	case "rabbitmq":
		return rabbitmq.Create(cfg.URL,
			rabbitmq.UseDefaultTopology(cfg.Exchange),
			rabbitmq.UseMaxDeliveries(cfg.MaxDeliveries),
			rabbitmq.UsePrefetch(cfg.Prefetch))
	default:
		h.network = inmem.CreateNetwork()
		return inmem.Create(h.network,
			inmem.UseMaxDeliveries(cfg.MaxDeliveries),
			inmem.UseRetryDelay(cfg.RetryDelay, 10*cfg.RetryDelay))
	}
}

func (h *host) start() error {
	if err := h.endpoint.Start(); err != nil {
		return fmt.Errorf("failed to start endpoint %s: %w", h.config.Endpoint.Name, err)
	}
	return nil
}

// close stops the endpoint and releases store connections in reverse order of creation
func (h *host) close() {
	if h.endpoint != nil {
		if err := h.endpoint.Stop(); err != nil {
			h.log.WithError(err).Warn("failed to stop endpoint")
		}
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			h.log.WithError(err).Warn("failed to close store")
		}
	}
	h.closers = nil
}
