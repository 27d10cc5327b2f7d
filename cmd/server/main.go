// Package main runs a SyncTV node: HTTP + WebSocket surface, RTMP ingest,
// the cluster gRPC endpoint and every background loop, with graceful
// shutdown through one cancellation context.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/synctv-org/synctv/config"
	"github.com/synctv-org/synctv/internal/auth"
	"github.com/synctv-org/synctv/internal/cache"
	"github.com/synctv-org/synctv/internal/cluster"
	"github.com/synctv-org/synctv/internal/cluster/rpc"
	"github.com/synctv-org/synctv/internal/connections"
	"github.com/synctv-org/synctv/internal/lock"
	"github.com/synctv-org/synctv/internal/metrics"
	"github.com/synctv-org/synctv/internal/middleware"
	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/notification"
	"github.com/synctv-org/synctv/internal/ratelimit"
	"github.com/synctv-org/synctv/internal/realtime"
	"github.com/synctv-org/synctv/internal/rooms"
	rtmpingest "github.com/synctv-org/synctv/internal/rtmp"
	"github.com/synctv-org/synctv/internal/settings"
	"github.com/synctv-org/synctv/internal/sfu"
	"github.com/synctv-org/synctv/internal/stream"
	"github.com/synctv-org/synctv/internal/users"
	"github.com/synctv-org/synctv/pkg/database"
	redisclient "github.com/synctv-org/synctv/pkg/redis"
	"github.com/synctv-org/synctv/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	var rdb *redisclient.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisclient.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	} else {
		logger.Warn("redis not configured, running single-node")
	}

	// Cluster fabric.
	var clusterMgr *cluster.Manager
	if rdb != nil {
		clusterMgr = cluster.NewManager(rdb.Client, logger)
	} else {
		clusterMgr = cluster.NewManager(nil, logger)
	}
	clusterMgr.Start(ctx)
	nodeID := clusterMgr.NodeID()

	grpcAddr := net.JoinHostPort("", cfg.Cluster.GRPCPort)
	httpAddr := net.JoinHostPort("", cfg.Server.Port)
	var nodeRegistry cluster.NodeRegistry
	if rdb != nil {
		nodeRegistry = cluster.NewRedisNodeRegistry(rdb.Client, nodeID, grpcAddr, httpAddr, cfg.Cluster.HeartbeatInterval, logger)
	} else {
		nodeRegistry = cluster.NewLocalNodeRegistry(nodeID, grpcAddr, httpAddr)
	}
	if err := nodeRegistry.Start(ctx); err != nil {
		logger.Fatal("node registry", zap.Error(err))
	}
	fanOut := cluster.NewFanOut(nodeRegistry, logger)

	// Connections.
	connMgr := connections.NewManager(connections.Limits{
		MaxPerUser:  cfg.Connections.MaxPerUser,
		MaxPerRoom:  cfg.Connections.MaxPerRoom,
		MaxTotal:    cfg.Connections.MaxTotal,
		IdleTimeout: cfg.Connections.IdleTimeout,
		MaxDuration: cfg.Connections.MaxDuration,
	}, logger)

	// Coordination primitives.
	var distLock *lock.DistributedLock
	var limiter *ratelimit.Limiter
	if rdb != nil {
		distLock = lock.New(rdb.Client, logger)
		limiter = ratelimit.New(rdb.Client, cfg.RateLimit.KeyPrefix, logger)
	} else {
		limiter = ratelimit.New(nil, cfg.RateLimit.KeyPrefix, logger)
	}

	// Auth.
	var blacklist auth.Blacklist
	var stateStore auth.OAuth2StateStore
	if rdb != nil {
		blacklist = auth.NewRedisBlacklist(rdb.Client)
		stateStore = auth.NewRedisOAuth2StateStore(rdb.Client)
	} else {
		blacklist = auth.NewMemoryBlacklist()
		stateStore = auth.NewMemoryOAuth2StateStore()
	}
	jwtService, err := auth.NewJWTService(cfg.JWT.Secret, blacklist)
	if err != nil {
		logger.Fatal("jwt service", zap.Error(err))
	}

	// Repositories and services.
	userRepo := users.NewRepository(pool)
	roomRepo := rooms.NewRepository(pool)
	roomService := rooms.NewService(roomRepo, distLock, limiter, logger)
	playback := rooms.NewPlaybackTracker()
	roomGuard := cache.NewProtected(logger)

	broadcaster := realtime.NewClusterBroadcaster(clusterMgr)
	notify := notification.NewService(broadcaster, logger)

	var settingsBus settings.InvalidationBus
	if rdb != nil {
		settingsBus = settings.NewRedisBus(rdb.Client)
	}
	settingsSvc := settings.NewService(settings.NewPGStore(pool), settingsBus, func(roomID models.RoomID, snapshot models.RoomSettings, version int64) {
		_ = notify.NotifySettingsUpdated(context.Background(), roomID, snapshot, version)
	}, logger)
	if err := settingsSvc.Start(ctx); err != nil {
		logger.Warn("settings invalidation listener", zap.Error(err))
	}

	// Stream pipeline.
	streamHub := stream.NewHub(logger)
	var pubRegistry stream.PublisherRegistry
	if rdb != nil {
		pubRegistry = stream.NewRedisPublisherRegistry(rdb.Client, logger)
	} else {
		pubRegistry = stream.NewMemoryPublisherRegistry()
	}
	var hlsStorage stream.HlsStorage
	if cfg.HLS.UseS3 && cfg.AWS.HLSBucket != "" {
		s3Storage, err := stream.NewS3HlsStorage(ctx, stream.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Bucket:          cfg.AWS.HLSBucket,
			KeyPrefix:       cfg.AWS.HLSKeyPrefix,
		}, logger)
		if err != nil {
			logger.Fatal("s3 hls storage", zap.Error(err))
		}
		hlsStorage = s3Storage
	} else {
		hlsStorage = stream.NewMemoryHlsStorage()
	}
	hlsMgr := stream.NewHLSManager(hlsStorage, logger)
	hlsMgr.ConfigurePlaylist(cfg.HLS.TargetDuration, cfg.HLS.LiveWindow)
	remuxer := stream.NewRemuxer(hlsMgr, stream.PassthroughPackager{}, logger)

	resolver := stream.NewRegistryResolver(pubRegistry, nodeRegistry)
	pullMgr := stream.NewPullManager(streamHub, stream.GRPCRemoteSubscriber{}, resolver, logger)
	pullMgr.Configure(cfg.Stream.PullIdleTimeout, cfg.Stream.PullCheckInterval)
	pullMgr.Start(ctx)

	puller := rtmpingest.NewHTTPFLVPuller(logger)
	externalMgr := stream.NewExternalPublishManager(streamHub, pubRegistry, puller, nodeID, logger)
	externalMgr.Configure(cfg.Stream.PullIdleTimeout, cfg.Stream.PullCheckInterval)
	externalMgr.Start(ctx)

	tracker := stream.NewUserStreamTracker()
	kick := stream.NewKickService(streamHub, tracker, clusterMgr, logger)
	adminEvents, cancelAdmin := clusterMgr.SubscribeAdmin()
	defer cancelAdmin()
	go kick.HandleAdminEvents(ctx, adminEvents)

	liveAPI := stream.NewLiveAPI(ctx, streamHub, hlsMgr, remuxer, pullMgr, externalMgr, pubRegistry, logger)
	liveAPI.InstallHooks(nil, nil)

	// SFU.
	sfuMgr := sfu.NewManager(sfu.Config{
		SFUThreshold:    cfg.SFU.Threshold,
		MaxPeersPerRoom: cfg.SFU.MaxPeersPerRoom,
		MaxRooms:        cfg.SFU.MaxRooms,
	}, logger)
	sfuMgr.Start(ctx)
	defer sfuMgr.Shutdown()

	// Metrics.
	nodeMetrics := metrics.New(prometheus.DefaultRegisterer)
	go collectGauges(ctx, nodeMetrics, connMgr, clusterMgr, sfuMgr, pullMgr)

	// RTMP ingest.
	streamKeyValidate := func(ctx context.Context, roomID models.RoomID, mediaID models.MediaID, token string) (models.UserID, error) {
		claims, err := jwtService.VerifyAccessToken(ctx, token)
		if err != nil {
			return "", err
		}
		settingsSnap, err := settingsSvc.Get(ctx, roomID)
		if err != nil {
			return "", err
		}
		perms, err := roomService.EffectivePermissions(ctx, roomID, claims.UserID(), &settingsSnap)
		if err != nil {
			return "", err
		}
		if !perms.Has(models.PermPublishStream) {
			return "", errors.New("publish not permitted")
		}
		return claims.UserID(), nil
	}
	rtmpServer := rtmpingest.NewServer(streamHub, pubRegistry, tracker, streamKeyValidate, nodeID, logger)
	rtmpListener, err := net.Listen("tcp", net.JoinHostPort("", cfg.Stream.RTMPPort))
	if err != nil {
		logger.Fatal("rtmp listen", zap.Error(err))
	}
	go func() {
		if err := rtmpServer.Serve(rtmpListener); err != nil && ctx.Err() == nil {
			logger.Error("rtmp server", zap.Error(err))
		}
	}()

	// Cluster gRPC endpoint: node queries + frame relay.
	grpcServer := grpc.NewServer()
	rpc.RegisterNodeServer(grpcServer, cluster.NewNodeQueryService(connMgr, nodeID))
	rpc.RegisterRelayServer(grpcServer, stream.NewRelayService(streamHub))
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil && ctx.Err() == nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	// Connection timeout sweep.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, connID := range connMgr.CheckTimeouts() {
					clusterMgr.Unsubscribe(connID)
					connMgr.Unregister(connID)
				}
				hlsMgr.CleanupIdle(ctx, time.Hour)
			}
		}
	}()

	// HTTP surface.
	tokenValidate := func(ctx context.Context, token string, roomID models.RoomID) (models.UserID, string, bool, error) {
		if jwtService.IsGuestToken(token) {
			claims, err := jwtService.VerifyGuestToken(ctx, token)
			if err != nil {
				return "", "", false, err
			}
			if claims.RoomID != roomID {
				return "", "", false, auth.ErrInvalidToken
			}
			return models.UserID(claims.Subject), "guest-" + claims.SessionID[:4], true, nil
		}
		claims, err := jwtService.VerifyAccessToken(ctx, token)
		if err != nil {
			return "", "", false, err
		}
		u, err := userRepo.GetByID(ctx, claims.UserID())
		if err != nil {
			return "", "", false, err
		}
		return u.ID, u.Username, false, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok", "node_id": nodeID}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := router.Group("/api")
	authed := router.Group("/api")
	authed.Use(middleware.JWT(jwtService))
	roomHandler := rooms.NewHandler(roomService, roomRepo, settingsSvc, roomGuard, jwtService, stateStore, logger)
	roomHandler.Register(public, authed)
	admin := router.Group("/admin/cluster")
	admin.Use(middleware.JWT(jwtService), middleware.RequireAdmin())
	cluster.NewHandler(fanOut, connMgr, nodeID).Register(admin)

	router.GET("/ws", realtime.ServeWs(realtime.Deps{
		Cluster:      clusterMgr,
		Connections:  connMgr,
		Notification: notify,
		Playback:     playback,
		Logger:       logger,
	}, tokenValidate))
	liveAPI.Register(router.Group("/live"))

	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", httpAddr), zap.String("node_id", nodeID.String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// Shutdown: cancel the shared context, then stop the edges.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	_ = rtmpServer.Close()
	logger.Info("bye")
}

// collectGauges mirrors live counters into Prometheus gauges.
func collectGauges(ctx context.Context, m *metrics.Metrics, conns *connections.Manager, clusterMgr *cluster.Manager, sfuMgr *sfu.Manager, pullMgr *stream.PullManager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ActiveConnections.Set(float64(conns.ConnectionCount()))
			m.ActiveRooms.Set(float64(clusterMgr.Hub().RoomCount()))
			stats := sfuMgr.Stats()
			m.SFURooms.Set(float64(stats.Rooms))
			m.SFUPeers.Set(float64(stats.Peers))
			m.PullStreams.Set(float64(pullMgr.StreamCount()))
		}
	}
}

func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encCfg
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
