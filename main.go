package main

import (
	"chatty/data/database/mgo/mongoutil"
	"chatty/data/database/pg"
	"chatty/global/config"
	"chatty/logger"
	"chatty/middleware"
	chatmod "chatty/module/chat"
	msgservice "chatty/module/chat/service"
	msgstore "chatty/module/chat/store"
	"chatty/module/user"
	userservice "chatty/module/user/service"
	userstore "chatty/module/user/store"
	"chatty/service/chat"
	"chatty/service/health"
	"chatty/service/kafka"
	"chatty/service/media"
	"chatty/service/nacos"
	"chatty/service/natsx"
	"chatty/service/storage"
	redisx "chatty/service/storage/redis"
	"chatty/tools/errs"
	"chatty/tools/ids"
	"chatty/tools/safe"
	"chatty/tools/security"
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	path := flag.String("config", "config/chatty.yaml", "config file (yaml); empty = defaults + env")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		logger.Error("[Main] load config", zap.Error(err))
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)
	defer logger.Sync()
	ids.SetNodeID(cfg.Node.Snowflake)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("[Main] exit", zap.Error(err))
		os.Exit(1)
	}
}

// closers 逆序关闭
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

type stores struct {
	users userstore.Store
	msgs  msgstore.Store
	check health.Check
}

func openStores(ctx context.Context, cfg *config.AppConfig, cl *closers) (*stores, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
			Uri:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			Username:    cfg.Mongo.Username,
			Password:    cfg.Mongo.Password,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
			MaxRetry:    cfg.Mongo.MaxRetry,
		})
		if err != nil {
			return nil, err
		}
		cl.add(func() { _ = cli.Close(context.Background()) })
		users, err := userstore.NewMongo(ctx, cli.GetDB())
		if err != nil {
			return nil, err
		}
		msgs, err := msgstore.NewMongo(ctx, cli.GetDB())
		if err != nil {
			return nil, err
		}
		return &stores{users: users, msgs: msgs, check: health.Check{Name: "mongo", Probe: func(ctx context.Context) error {
			return cli.GetDB().Client().Ping(ctx, nil)
		}}}, nil

	case config.StorePostgres:
		pool, err := pg.NewPool(ctx, pg.Config{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
		if err != nil {
			return nil, err
		}
		cl.add(pool.Close)
		if err := pg.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		return &stores{users: userstore.NewPostgres(pool), msgs: msgstore.NewPostgres(pool),
			check: health.Check{Name: "postgres", Probe: pool.Ping}}, nil

	default:
		logger.Warn("[Main] memory store in use, data is lost on restart")
		return &stores{users: userstore.NewMemory(), msgs: msgstore.NewMemory(),
			check: health.Check{Name: "memory", Probe: func(context.Context) error { return nil }}}, nil
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	var cl closers
	defer cl.run()

	st, err := openStores(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	checks := []health.Check{st.check}

	uploader, err := media.NewLocal(media.LocalConf{
		Dir:       cfg.Media.Dir,
		URLPrefix: cfg.Media.URLPrefix,
		MaxBytes:  cfg.Media.MaxBytes,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coordOpts := []chat.Option{chat.WithMetrics(chat.NewMetrics(reg))}

	// ===== presence 镜像 =====
	var mirror *storage.Presence
	if cfg.Redis.Enabled {
		rdb, err := redisx.InitRedis(ctx, redisx.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		cl.add(func() { _ = redisx.CloseRedis() })
		mirror = storage.NewPresence(rdb, storage.PresenceConfig{NodeID: cfg.Node.ID, TTL: cfg.Redis.PresenceTTL})
		// 上次进程异常退出留下的本节点条目
		if n, err := mirror.PurgeNode(ctx); err != nil {
			logger.Warn("[Main] purge stale presence", zap.Error(err))
		} else if n > 0 {
			logger.Info("[Main] purged stale presence", zap.Int("count", n))
		}
		coordOpts = append(coordOpts, chat.WithPresenceSink(mirror))
		checks = append(checks, health.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	coord := chat.NewCoordinator(chat.CoordinatorConf{
		SendQueue:     cfg.Gateway.SendQueue,
		IdleTimeout:   cfg.Gateway.IdleTimeout,
		SweepEvery:    cfg.Gateway.SweepEvery,
		MirrorRefresh: mirrorRefresh(cfg.Redis),
	}, coordOpts...)
	cl.add(coord.Close)

	// ===== 投递：NATS 总线或进程内 =====
	var deliverer msgservice.Deliverer = msgservice.NewLocalDeliverer(coord)
	if cfg.NATS.Enabled {
		nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{Servers: []string{cfg.NATS.URL}, Name: cfg.NATS.Name})
		if err != nil {
			return err
		}
		cl.add(func() { _ = nc.Close() })
		if err := nc.RegisterRoute(natsx.NatsxRoute{Biz: msgservice.BizDeliver, Subject: cfg.NATS.Subject}); err != nil {
			return err
		}
		consumer := natsx.NewNatsxConsumer(nc,
			natsx.NatsxRecoverMiddleware(),
			natsx.NatsxLogMiddleware(),
			natsx.NatsxIdemMiddleware(natsx.NewMemIdem(time.Minute), 0),
		)
		if err := consumer.Subscribe(msgservice.BizDeliver, msgservice.DeliveryHandler(coord)); err != nil {
			return err
		}
		deliverer = msgservice.NewBusDeliverer(natsx.NewNatsxProducer(nc))
		checks = append(checks, health.Check{Name: "nats", Probe: func(context.Context) error {
			if !nc.Connected() {
				return errs.New("nats disconnected")
			}
			return nil
		}})
	}

	var msgOpts []msgservice.Option
	if cfg.Kafka.Enabled {
		elog, err := kafka.NewEventLog(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			ClientID:    cfg.Kafka.ClientID,
			Topic:       cfg.Kafka.Topic,
			EnsureTopic: true,
		})
		if err != nil {
			return err
		}
		cl.add(func() { _ = elog.Close() })
		msgOpts = append(msgOpts, msgservice.WithEventLog(elog))
	}

	jwtOpts := security.DefaultOptions([]byte(cfg.JWT.Secret))
	jwtOpts.TTL = cfg.JWT.TTL
	userSvc := userservice.NewUserService(st.users, uploader, userservice.Conf{JWT: jwtOpts})
	userH := user.NewHandler(userSvc, coord, user.HandlerConf{CookieName: cfg.JWT.CookieName, SecureCookie: cfg.JWT.SecureCookie})

	msgSvc := msgservice.NewMessageService(st.users, st.msgs, uploader, deliverer, msgservice.Conf{
		SendRPS:   cfg.RateLimit.SendRPS,
		SendBurst: cfg.RateLimit.SendBurst,
	}, msgOpts...)
	var presence msgservice.PresenceReader = msgservice.NewLocalPresence(coord)
	if mirror != nil {
		presence = msgservice.NewMirrorPresence(mirror)
	}
	msgH := chatmod.NewHandler(msgSvc, presence)

	ws := chat.NewWSServer(coord, userH, chat.WSConf{
		WriteWait:      cfg.Gateway.WriteWait,
		PongWait:       cfg.Gateway.PongWait,
		PingPeriod:     cfg.Gateway.PingPeriod,
		ReadLimit:      cfg.Gateway.ReadLimit,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		HandshakeRPS:   cfg.Gateway.HandshakeRPS,
		HandshakeBurst: cfg.Gateway.HandshakeBurst,
	})

	hs := health.NewServer(cfg.GRPC.Addr, 10*time.Second, checks...)
	if cfg.GRPC.Enabled {
		if err := hs.Start(); err != nil {
			return err
		}
		cl.add(hs.Stop)
	}

	if cfg.Nacos.Enabled && cfg.Nacos.Register {
		nodes, err := nacos.NewNodeRegistry(cfg.Nacos.Conn(), cfg.Nacos.ServiceName, cfg.Nacos.Group)
		if err != nil {
			return err
		}
		if err := nodes.Register(nacos.Node{
			NodeID:   cfg.Node.ID,
			IP:       advertiseIP(cfg.Nacos.AdvertiseIP),
			Port:     portOf(cfg.HTTP.Addr),
			GRPCPort: portOf(cfg.GRPC.Addr),
		}); err != nil {
			nodes.Close()
			return err
		}
		cl.add(nodes.Close)
	}

	if cfg.Nacos.Enabled {
		stopWatch, err := config.WatchNacos(cfg.Nacos, func(l config.LogConfig) {
			logger.Info("[Config] log level changed", zap.String("level", l.Level))
			logger.SetLevel(l.Level)
		})
		if err != nil {
			logger.Warn("[Main] nacos watch disabled", zap.Error(err))
		} else {
			cl.add(stopWatch)
		}
	}

	// ===== HTTP =====
	gin.SetMode(cfg.HTTP.Mode)
	r := gin.New()
	mgr := middleware.Manager()
	mgr.Add("requestId", middleware.RequestID())
	mgr.Add("cors", middleware.CORS(cfg.HTTP.AllowedOrigins))
	r.Use(middleware.AccessLog(), middleware.Recovery(), mgr.Use())

	auth := userH.AuthMiddleware()
	api := r.Group("/api")
	userH.Register(middleware.NewRouter(api.Group("/auth"), auth))
	msgH.Register(middleware.NewRouter(api.Group("/messages"), auth))
	msgH.RegisterPresence(middleware.NewRouter(api.Group("/presence"), auth))
	r.GET("/ws", ws.HandleWS)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.GET("/healthz", hs.HTTPHandler())
	r.Static(uploader.URLPrefix(), uploader.Dir())

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	safe.Go("http-server", func() {
		logger.Info("[Main] http listening", zap.String("addr", cfg.HTTP.Addr), zap.String("node", cfg.Node.ID),
			zap.String("store", cfg.Store.Driver), zap.Strings("middlewares", mgr.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
		logger.Info("[Main] shutting down", zap.Int("online", coord.Registry().Len()))
	case err, ok := <-serveErr:
		if ok {
			return errs.WrapMsg(err, "http serve", "addr", cfg.HTTP.Addr)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// 先断开长连接，Shutdown 不会等待已 hijack 的 WebSocket
	coord.Close()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("[Main] http shutdown", zap.Error(err))
	}
	return nil
}

// mirrorRefresh 在镜像 TTL 的三分之一处续期
func mirrorRefresh(c config.RedisConfig) time.Duration {
	if !c.Enabled {
		return 0
	}
	ttl := c.PresenceTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return ttl / 3
}

func portOf(addr string) uint64 {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(p, 10, 16)
	return n
}

// advertiseIP 未配置时取第一块非回环 IPv4
func advertiseIP(configured string) string {
	if configured != "" {
		return configured
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
