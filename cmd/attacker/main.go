// Command attacker puts load on a running deskqueue: a kiosk issues tickets
// at a fixed rate while one clerk per desk keeps calling, serving and
// finishing them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	metricsNamespace = "deskqueue_attacker"
	resultOK         = "ok"
	resultError      = "error"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "requests_total",
		Namespace: metricsNamespace,
	}, []string{"endpoint", "result"})
	ticketWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:      "ticket_wait_duration_seconds",
		Namespace: metricsNamespace,
		Help:      "Time from issuing a ticket until a desk calls it",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16, 30},
	})
)

type attacker struct {
	baseURL string
	service string
	client  *http.Client
	// issuedAt maps ticket ID to when the kiosk drew it.
	issuedAt sync.Map
}

func main() {
	var (
		rps         float64
		addr        string
		service     string
		desks       int
		metricsAddr string
	)
	flag.Float64Var(&rps, "rps", 1.0, "Tickets issued per second")
	flag.StringVar(&addr, "addr", "http://localhost:8000", "Base URL of deskqueue")
	flag.StringVar(&service, "service", "deposit", "Service to draw tickets for")
	flag.IntVar(&desks, "desks", 1, "Number of desks to work, 1..n")
	flag.StringVar(&metricsAddr, "metrics-addr", ":2113", "Listen address of the prometheus endpoint")
	flag.Parse()

	log.Printf("deskqueue load-testing (rps: %.2f, addr: %s, service: %s, desks: %d)", rps, addr, service, desks)

	ctx, shutdown := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdown()

	// start prometheus exporter
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("prometheus endpoint (/metrics) is listening on %s...", metricsAddr)
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			log.Printf("failed to serve prometheus endpoint: %+v", err)
		}
	}()

	a := &attacker{
		baseURL: addr,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.runKiosk(ctx, time.Duration(1.0/rps*float64(time.Second)))
		return nil
	})
	for i := 1; i <= desks; i++ {
		desk := fmt.Sprintf("%d", i)
		eg.Go(func() error {
			a.runClerk(ctx, desk)
			return nil
		})
	}
	_ = eg.Wait()
}

func (a *attacker) runKiosk(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var resp struct {
				Ticket string `json:"ticket"`
			}
			if err := a.get(ctx, "/ticket", url.Values{"service": {a.service}}, &resp); err != nil {
				log.Printf("failed to issue ticket: %+v", err)
				continue
			}
			a.issuedAt.Store(resp.Ticket, time.Now())
		}
	}
}

// runClerk serves tickets at desk until ctx is done, pausing briefly whenever the queue is empty.
func (a *attacker) runClerk(ctx context.Context, desk string) {
	for ctx.Err() == nil {
		var next struct {
			Status string `json:"status"`
			Ticket string `json:"ticket"`
		}
		if err := a.get(ctx, "/next", url.Values{"service": {a.service}, "desk": {desk}}, &next); err != nil {
			log.Printf("failed to call next ticket (desk: %s): %+v", desk, err)
			sleep(ctx, time.Second)
			continue
		}
		if next.Status != "ok" {
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		if issued, ok := a.issuedAt.LoadAndDelete(next.Ticket); ok {
			ticketWaitDuration.Observe(time.Since(issued.(time.Time)).Seconds())
		}
		params := url.Values{"service": {a.service}, "desk": {desk}, "ticket": {next.Ticket}}
		for _, path := range []string{"/confirm", "/done"} {
			var resp struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if err := a.get(ctx, path, params, &resp); err != nil {
				log.Printf("failed to %s ticket %s: %+v", path, next.Ticket, err)
				break
			}
			if resp.Status != "ok" {
				log.Printf("%s %s at desk %s rejected: %s", path, next.Ticket, desk, resp.Message)
				break
			}
		}
	}
}

func (a *attacker) get(ctx context.Context, path string, params url.Values, v any) error {
	result := resultError
	defer func() {
		requestsTotal.With(prometheus.Labels{"endpoint": path, "result": result}).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	result = resultOK
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
