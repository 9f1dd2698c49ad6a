package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/roast.report/internal/api"
	"github.com/banshee-data/roast.report/internal/collector"
	"github.com/banshee-data/roast.report/internal/config"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/firstcrack"
	"github.com/banshee-data/roast.report/internal/notify"
	"github.com/banshee-data/roast.report/internal/roast"
	"github.com/banshee-data/roast.report/internal/sensor"
	"github.com/banshee-data/roast.report/internal/timeutil"
)

// curveRestarter recharges the simulated roaster whenever a roast starts so
// simulated sensors follow the new roast from ambient.
type curveRestarter struct {
	curve *sensor.Curve
}

func (c curveRestarter) Emit(event string, payload any) {
	if event != notify.RoastStarted {
		return
	}
	if e, ok := payload.(roast.StartedEvent); ok {
		c.curve.Restart(e.StartTime)
	}
}

// buildSensors registers every configured sensor with m and returns the
// cached handles in configuration order, plus closers for real ports.
func buildSensors(cfg *config.RoastConfig, m *sensor.Manager, clock timeutil.Clock, curve *sensor.Curve) ([]sensor.Sensor, []io.Closer, error) {
	specs, err := cfg.SensorSpecs()
	if err != nil {
		return nil, nil, err
	}
	var (
		handles []sensor.Sensor
		closers []io.Closer
	)
	for _, spec := range specs {
		s, err := sensor.Build(spec, clock, curve)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, fmt.Errorf("sensor %s: %w", spec.Key, err)
		}
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
		handles = append(handles, m.Register(spec.Key, s))
	}
	return handles, closers, nil
}

func serve(cfg *config.RoastConfig) error {
	clock := timeutil.RealClock{}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	curve := sensor.NewCurve(clock.Now())
	manager := sensor.NewManager(sensor.WithPollInterval(cfg.GetAcquisitionInterval()))
	handles, closers, err := buildSensors(cfg, manager, clock, curve)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Printf("failed to close sensor: %v", err)
			}
		}
	}()

	hub := notify.NewHub()
	defer hub.Close()
	notifier := notify.Multi{curveRestarter{curve}, hub}

	var svc *roast.Service
	col := collector.New(database, handles,
		collector.WithSampleRate(cfg.GetSampleRate()),
		collector.WithMaxRoastTime(cfg.GetMaxRoastTime()),
		collector.WithNotifier(notifier),
		collector.WithOnTick(func(ctx context.Context, roastID string, now time.Time) {
			svc.OnTick(ctx, roastID, now)
		}),
		collector.WithOnAutoStop(func(roastID string, end time.Time) {
			svc.OnAutoStop(roastID, end)
		}),
	)
	svc = roast.NewService(database, col,
		roast.WithNotifier(notifier),
		roast.WithDetector(firstcrack.NewDetector(cfg.DetectorConfig())),
		roast.WithPredictor(firstcrack.NewPredictor(cfg.PredictorConfig())),
		roast.WithMaxRoastTime(cfg.GetMaxRoastTime()),
		roast.WithPredictionInterval(cfg.GetPredictionInterval()),
	)

	manager.Start()
	defer manager.Stop()

	if r, err := svc.ResumeActive(); err != nil {
		log.Printf("failed to resume active roast: %v", err)
	} else if r != nil {
		curve.Restart(r.StartTime)
		log.Printf("resumed roast %s (%s)", r.ID, r.Name)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// background prediction loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.RunPredictions(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("prediction loop failed: %v", err)
		}
		log.Print("prediction routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(database, svc, api.WithSensors(manager), api.WithHub(hub)).ServeMux()
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// event streams never finish on their own
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Sampling stops with the process; an active roast stays active and is
	// resumed on the next start.
	col.StopCollection()
	log.Printf("Graceful shutdown complete")
	return nil
}
