// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campusride/internal/config"
	"campusride/internal/events"
	httptransport "campusride/internal/http"
	"campusride/internal/infra"
	"campusride/internal/maps"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/feed"
	"campusride/internal/modules/location"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/payment"
	"campusride/internal/modules/pricing"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("ride-api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}

	var (
		rideStore      ride.Store
		driverStore    driver.Store
		passengerStore passenger.Store
		rates          pricing.RateStore
		locationSvc    *location.Service
	)
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory stores; state is lost on restart")
		rideStore, driverStore, passengerStore = ride.NewMemStore(), driver.NewMemStore(), passenger.NewMemStore()
	case "postgres":
		if err := infra.Migrate(cfg.DB.DSN, cfg.DB.MigrationsPath, log); err != nil {
			return err
		}
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		rideStore, driverStore, passengerStore = ride.NewPGStore(db), driver.NewPGStore(db), passenger.NewPGStore(db)
		rates = pricing.NewPGRateStore(db)
		if redisClient != nil {
			locationSvc = location.NewService(location.NewStore(db, redisClient), log)
		}
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}

	var surge pricing.SurgeSource
	if redisClient != nil {
		surge = pricing.NewRedisSurge(redisClient)
		defer redisClient.Close()
	}
	pricingSvc := pricing.NewService(rates, surge, cfg.Pricing, log)

	var geo driver.GeoMirror
	if locationSvc != nil {
		geo = locationSvc
	}
	driverSvc := driver.NewService(driverStore, geo, log)
	passengerSvc := passenger.NewService(passengerStore, log)

	deps := ride.Deps{
		Store:      rideStore,
		Drivers:    driverSvc,
		Passengers: passengerSvc,
		Pricing:    pricingSvc,
		Payments:   payment.NewStubGateway(),
		Log:        log,
	}
	var eta matching.ETAEstimator
	if cfg.Maps.APIKey != "" {
		mapsClient, err := maps.NewClient(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		deps.Geocoder = mapsClient
		eta = mapsClient
	}
	rideSvc := ride.NewService(deps)

	verifier, err := setupFirebase(ctx, cfg, rideSvc, log)
	if err != nil {
		return err
	}

	publisher, err := events.NewPublisher(cfg, log)
	if err != nil {
		return err
	}
	if publisher != nil {
		rideSvc.AddNotifier(publisher)
		defer func() { _ = publisher.Close() }()
	}

	var bus feed.Bus
	if redisClient != nil {
		bus = feed.NewRedisBus(redisClient, feed.DefaultChannel, log)
	}
	hub := feed.NewHub(bus, log)
	rideSvc.AddNotifier(hub)
	rideSvc.AddLocationListener(hub)

	matcher := tracking.NewMatcher(cfg.Tracking.MatchMode, cfg.Tracking.ThresholdMeters)
	policy := tracking.DefaultPolicy(cfg.Tracking.PassengerProposes)
	manager := tracking.NewManager(ctx, rideSvc, matcher, policy, log)
	defer manager.Close()
	rideSvc.AddNotifier(manager)
	if n, err := manager.Resume(ctx); err != nil {
		log.Warn("resume watchers failed", zap.Error(err))
	} else {
		log.Info("watchers resumed", zap.Int("rides", n))
	}

	var index matching.Index = matching.NewRegistryIndex(driverSvc)
	if cfg.Matching.GeoIndex {
		if locationSvc == nil {
			return fmt.Errorf("RIDE_MATCH_GEO_INDEX needs the postgres store and RIDE_REDIS_ADDR")
		}
		index = matching.NewGeoIndex(locationSvc, driverSvc, cfg.Matching.RadiusKm, log)
	}
	matchingSvc := matching.NewService(index, rideSvc, eta, cfg.Matching, log)

	server := httptransport.NewServer(httptransport.ServerDeps{
		Rides:      rideSvc,
		Drivers:    driverSvc,
		Passengers: passengerSvc,
		Matching:   matchingSvc,
		Tracking:   manager,
		Feed:       hub,
		Verifier:   verifier,
		Matcher:    matcher,
		Policy:     policy,
		Log:        log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, cfg.HTTP.Addr) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		matchingSvc.RunScheduler(ctx)
		return nil
	})
	if cfg.RideExpiry > 0 {
		g.Go(func() error {
			rideSvc.RunExpiryMonitor(ctx, cfg.RideExpiry, time.Minute)
			return nil
		})
	}
	if cfg.Events.Backend == "kafka" || cfg.Events.Backend == "both" {
		consumer := events.NewPaymentConsumer(cfg.Events.KafkaBrokers, cfg.Events.ConsumerGroup, cfg.Events.PaymentTopic, rideSvc, log)
		defer func() { _ = consumer.Close() }()
		g.Go(func() error { return consumer.Start(ctx) })
	}
	return g.Wait()
}

// setupFirebase returns the token verifier and attaches the RTDB mirror when configured.
// Without a project id, development builds fall back to unsigned dev tokens.
func setupFirebase(ctx context.Context, cfg config.Config, rides *ride.Service, log *zap.Logger) (infra.TokenVerifier, error) {
	if cfg.Firebase.ProjectID == "" {
		if cfg.AppEnv != "development" {
			return nil, fmt.Errorf("RIDE_FIREBASE_PROJECT_ID is required outside development")
		}
		log.Warn("firebase not configured; accepting dev:<uid>:<role> tokens")
		return infra.DevVerifier{}, nil
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return nil, err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return nil, err
	}
	if cfg.Firebase.DatabaseURL != "" {
		mirror, err := feed.NewFirebaseMirror(ctx, app, log)
		if err != nil {
			return nil, err
		}
		rides.AddNotifier(mirror)
		rides.AddLocationListener(mirror)
	}
	return verifier, nil
}
