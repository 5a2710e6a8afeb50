package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notification-dispatch/internal/api"
	"notification-dispatch/internal/common/aws"
	"notification-dispatch/internal/common/config"
	"notification-dispatch/internal/common/database"
	"notification-dispatch/internal/common/logger"
	"notification-dispatch/internal/common/messaging"
	"notification-dispatch/internal/models"
	"notification-dispatch/internal/notification/analytics"
	"notification-dispatch/internal/notification/channel"
	"notification-dispatch/internal/notification/preference"
	"notification-dispatch/internal/notification/queue"
	"notification-dispatch/internal/notification/template"
	"notification-dispatch/internal/notification/tenant"
	"notification-dispatch/internal/notification/tracker"
	"notification-dispatch/internal/notification/webhook"
)

const templateCacheTTL = time.Minute

// infra holds the external connections. Any of them may be nil when the
// configuration leaves it out.
type infra struct {
	pg       *database.PostgresClient
	redis    *database.RedisClient
	es       *database.ElasticsearchClient
	rabbit   *messaging.Connection
	channels []messaging.Channel
}

func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*infra, error) {
	in := &infra{}

	if cfg.Storage.Driver == "postgres" {
		err := retryWithBackoff(func() error {
			var err error
			in.pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return in.pg.Ping(ctx)
		}, 15, 2*time.Second, log, "PostgreSQL connection")
		if err != nil {
			return in, err
		}
		if err := in.pg.Migrate(ctx); err != nil {
			return in, fmt.Errorf("migrate: %w", err)
		}
		log.Info("PostgreSQL connected successfully")
	}

	if cfg.Database.Redis.Address != "" {
		err := retryWithBackoff(func() error {
			var err error
			in.redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return in.redis.Ping(ctx)
		}, 10, 2*time.Second, log, "Redis connection")
		if err != nil {
			return in, err
		}
		log.Info("Redis connected successfully")
	}

	if cfg.Database.Elasticsearch.Enabled {
		err := retryWithBackoff(func() error {
			var err error
			in.es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return in.es.Ping(ctx)
		}, 15, 2*time.Second, log, "Elasticsearch connection")
		if err != nil {
			return in, err
		}
		if err := in.es.EnsureIndex(ctx, cfg.Database.Elasticsearch.EventsIndex); err != nil {
			return in, err
		}
		log.Info("Elasticsearch connected successfully")
	}

	if cfg.RabbitMQ.Enabled {
		err := retryWithBackoff(func() error {
			var err error
			in.rabbit, err = messaging.Dial(cfg.RabbitMQ.URL)
			return err
		}, 10, 2*time.Second, log, "RabbitMQ connection")
		if err != nil {
			return in, err
		}
		log.Info("RabbitMQ connected successfully")
	}
	return in, nil
}

func (in *infra) publisher(exchange string, log logger.Logger) (*messaging.Publisher, error) {
	ch, err := in.rabbit.Channel()
	if err != nil {
		return nil, err
	}
	in.channels = append(in.channels, ch)
	return messaging.NewPublisher(ch, exchange, log)
}

func (in *infra) consumer(exchange, queueName string, log logger.Logger) (*messaging.Consumer, error) {
	ch, err := in.rabbit.Channel()
	if err != nil {
		return nil, err
	}
	in.channels = append(in.channels, ch)
	return messaging.NewConsumer(ch, exchange, queueName, []string{"delivery.#"}, 50, log), nil
}

func (in *infra) addChecks(s *api.Server) {
	if in.pg != nil {
		s.AddCheck("postgres", in.pg.Ping)
	}
	if in.redis != nil {
		s.AddCheck("redis", in.redis.Ping)
	}
	if in.es != nil {
		s.AddCheck("elasticsearch", in.es.Ping)
	}
	if in.rabbit != nil {
		s.AddCheck("rabbitmq", func(context.Context) error {
			if in.rabbit.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		})
	}
}

func (in *infra) Close(log *zap.Logger) {
	for _, ch := range in.channels {
		_ = ch.Close()
	}
	if in.rabbit != nil {
		if err := in.rabbit.Close(); err != nil {
			log.Warn("closing rabbitmq", zap.Error(err))
		}
	}
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.pg != nil {
		_ = in.pg.Close()
	}
}

type stores struct {
	queue     queue.Queue
	events    tracker.EventStore
	templates template.Store
	prefs     preference.Store
	tenants   tenant.Store
	directory channel.AddressBook
	webhooks  webhook.Store
	analytics analytics.Store
}

func buildStores(cfg *config.Config, in *infra, log logger.Logger) stores {
	var st stores
	if in.pg == nil {
		st = stores{
			queue:     queue.NewMemoryQueue(),
			events:    tracker.NewMemoryEventStore(),
			templates: template.NewMemoryStore(),
			prefs:     preference.NewMemoryStore(),
			tenants:   tenant.NewMemoryStore(),
			directory: channel.NewMemoryDirectory(),
			webhooks:  webhook.NewMemoryStore(),
			analytics: analytics.NewMemoryStore(),
		}
	} else {
		db := in.pg.DB
		st = stores{
			queue:     queue.NewPostgresQueue(db),
			events:    tracker.NewPostgresEventStore(db),
			templates: template.NewCachedStore(template.NewPostgresStore(db), templateCacheTTL),
			prefs:     preference.NewPostgresStore(db),
			tenants:   tenant.NewPostgresStore(db),
			directory: channel.NewPostgresDirectory(db),
			webhooks:  webhook.NewPostgresStore(db),
			analytics: analytics.NewPostgresStore(db),
		}
	}
	if in.redis != nil {
		st.tenants = tenant.NewCachedStore(st.tenants, in.redis.Client,
			config.GetDuration(cfg.Database.Redis.TenantCacheTTL), log)
	}
	return st
}

// buildSenders registers one sender per enabled channel. A channel left
// without a sender fails its entries permanently at dispatch.
func buildSenders(ctx context.Context, cfg *config.Config, in *infra, log logger.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry(config.GetDuration(cfg.Dispatch.SendTimeout))

	needsAWS := cfg.Channels.Email.Provider == "ses" || cfg.Channels.SMS.Enabled || cfg.Channels.Push.Enabled
	var sns *aws.SNSClient
	if needsAWS {
		awsCfg, err := aws.LoadConfig(ctx, cfg.Integrations.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		sns = aws.NewSNSClient(awsCfg)
		if cfg.Channels.Email.Provider == "ses" {
			reg.Register(channel.NewSESSender(aws.NewSESClient(awsCfg), cfg.Channels.Email.FromEmail, log))
		}
	}

	switch cfg.Channels.Email.Provider {
	case "smtp":
		smtp := cfg.Integrations.SMTP
		reg.Register(channel.NewSMTPSender(smtp.Host, smtp.Port, smtp.Username, smtp.Password, cfg.Channels.Email.FromEmail, log))
	case "log":
		reg.Register(channel.NewLogSender(models.ChannelEmail, log))
	}

	if cfg.Channels.SMS.Enabled {
		reg.Register(channel.NewSMSSender(sns, cfg.Channels.SMS.SenderID, cfg.Channels.SMS.MaxTPS, log))
	}
	if cfg.Channels.Push.Enabled {
		reg.Register(channel.NewPushSender(sns, log))
	}

	if cfg.Channels.InApp.Enabled {
		if in.rabbit == nil {
			log.Warn("in-app channel enabled without rabbitmq, messages are only logged", nil)
			reg.Register(channel.NewLogSender(models.ChannelInApp, log))
		} else {
			pub, err := in.publisher(cfg.RabbitMQ.InAppExchange, log)
			if err != nil {
				return nil, fmt.Errorf("in-app publisher: %w", err)
			}
			reg.Register(channel.NewInAppSender(pub))
		}
	}
	return reg, nil
}
