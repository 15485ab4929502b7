package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"embed"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"pointmap/pkg/api"
	"pointmap/pkg/coverage"
	"pointmap/pkg/fetcher"
	"pointmap/pkg/fetchgate"
	"pointmap/pkg/generation"
	"pointmap/pkg/offline"
	"pointmap/pkg/osmapi"
	"pointmap/pkg/overpass"
	"pointmap/pkg/status"
)

//go:embed public_html/*
var content embed.FS

// .env is read before the flag defaults below so deployments can keep
// credentials out of unit files. Missing file is fine.
var _ = godotenv.Load()

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")

var dbType = flag.String("db-type", envOr("POINTMAP_DB_TYPE", "sqlite"), "Offline store driver: genji, chai, sqlite, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", envOr("POINTMAP_DB_PATH", ""), "Path to the database file (applicable for genji, chai, sqlite, duckdb drivers)")
var dbHost = flag.String("db-host", envOr("POINTMAP_DB_HOST", "127.0.0.1"), "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", envOr("POINTMAP_DB_USER", "postgres"), "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", envOr("POINTMAP_DB_PASS", ""), "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", envOr("POINTMAP_DB_NAME", "PointMap"), "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")

var overpassURL = flag.String("overpass-url", envOr("POINTMAP_OVERPASS_URL", "https://overpass-api.de/api/interpreter"), "Overpass interpreter endpoint")
var overpassStatusURL = flag.String("overpass-status-url", envOr("POINTMAP_OVERPASS_STATUS_URL", ""), "Overpass status endpoint (derived from -overpass-url when empty)")
var fallbackURL = flag.String("fallback-url", envOr("POINTMAP_FALLBACK_URL", ""), "Secondary read-only points API consulted when Overpass returns nothing")
var filtersFlag = flag.String("filters", `"amenity"`, "Display filters, pipe-separated tag selectors, e.g. '\"amenity\"|\"tourism\"'")
var concurrency = flag.Int("concurrency", 4, "Maximum simultaneous Overpass requests")
var expandFactor = flag.Float64("expand-factor", 1.2, "Viewport expansion multiplier per fetch")
var maxSplitDepth = flag.Int("max-split-depth", 3, "Maximum quadrant split recursion depth")
var rateLimitRetries = flag.Int("rate-limit-retries", 2, "Retries of one region after rate-limit responses")
var offlineMode = flag.Bool("offline", false, "Serve only the on-device store, never the network")

var defaultLat = flag.Float64("default-lat", 44.08832, "Default map latitude")
var defaultLon = flag.Float64("default-lon", 42.97577, "Default map longitude")
var defaultZoom = flag.Int("default-zoom", 11, "Default map zoom")

var CompileVersion = "dev"

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// withServerHeader stamps every response and answers HEAD / with a bare
// 200 so load balancers can probe liveness cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "pointmap/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs :80 for the ACME challenge plus the redirect to
// https, and :443 with certificates from Let's Encrypt. When autocert
// cannot mint a certificate for the presented SNI, the last good one is
// served instead so IP-addressed probes do not flood the log.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// Daily renewal probe keeps the certificate warm.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// mapHandler renders the embedded map page with the configured defaults.
func mapHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	tmpl, err := template.ParseFS(content, "public_html/index.html")
	if err != nil {
		log.Printf("map template: %v", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	data := struct {
		Lat     float64
		Lon     float64
		Zoom    int
		Version string
		Offline bool
	}{*defaultLat, *defaultLon, *defaultZoom, CompileVersion, *offlineMode}
	if err := tmpl.Execute(w, data); err != nil {
		log.Printf("map render: %v", err)
	}
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("pointmap version %s\n", CompileVersion)
		return
	}

	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	store, err := offline.Open(offline.Config{
		Driver: *dbType,
		Path:   *dbPath,
		Host:   *dbHost,
		Port:   *dbPort,
		User:   *dbUser,
		Pass:   *dbPass,
		Name:   *dbName,
		SSL:    *pgSSLMode,
	})
	if err != nil {
		log.Fatalf("offline store: %v", err)
	}
	defer store.Close()

	filters := overpass.Filters(strings.Split(*filtersFlag, "|"))

	remote := overpass.NewClient(overpass.Options{
		Endpoint:       *overpassURL,
		StatusEndpoint: *overpassStatusURL,
		Logf:           log.Printf,
	})
	var fallback fetcher.FallbackQuerier
	if *fallbackURL != "" {
		fallback = osmapi.NewClient(*fallbackURL, log.Printf)
	}

	cache := coverage.NewCache()
	defer cache.Close()
	gate := fetchgate.NewLimiter(*concurrency)
	events := status.NewBus(64)

	coord := fetcher.NewCoordinator(cache, gate, remote, remote, fallback, &generation.Tracker{}, events, fetcher.Config{
		ExpandFactor:        *expandFactor,
		MaxSplitDepth:       *maxSplitDepth,
		MaxRateLimitRetries: *rateLimitRetries,
	}, log.Printf)

	baseURL := fmt.Sprintf("http://localhost:%d", *port)
	if *domain != "" {
		baseURL = "https://" + *domain
	}

	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", mapHandler)

	handler := api.NewHandler(coord, cache, store, events, baseURL, filters, *offlineMode, log.Printf)
	handler.Register(http.DefaultServeMux)

	rootHandler := withServerHeader(http.DefaultServeMux)

	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	select {}
}
