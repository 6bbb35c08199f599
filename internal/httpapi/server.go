// Package httpapi serves the sampler's snapshots and histories over HTTP as
// JSON, or CBOR when the client asks for it.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzhttp"
	"github.com/phuslu/log"

	"rtos_sysmon/internal/logger"
	"rtos_sysmon/internal/sampler"
)

// Source is the read side of the sampling engine.
type Source interface {
	Tasks() []sampler.TaskSnapshot
	TaskHistories() []sampler.TaskHistory
	System() sampler.SystemSnapshot
	SystemHistory() sampler.SystemHistory
	Settings() sampler.Settings
}

// Content types.
const (
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeCBOR = "application/cbor"
)

// Options configures the handler.
type Options struct {
	// MetricsPath is linked from the index page when set.
	MetricsPath string
	// Model names the observed system on /hardware.
	Model   string
	Version string
	// Compression gzips responses for clients that accept it.
	Compression bool
	// Now defaults to time.Now.
	Now func() time.Time
}

var cborMode cbor.EncMode

func init() {
	var err error
	cborMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("httpapi: CBOR encoder initialization failed: " + err.Error())
	}
}

// API serves the telemetry endpoints.
type API struct {
	src     Source
	opts    Options
	started time.Time
	log     log.Logger
}

// New returns the API handler with CORS and optional compression applied.
func New(src Source, opts Options) (http.Handler, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &API{
		src:     src,
		opts:    opts,
		started: opts.Now(),
		log:     logger.NewLoggerWithContext("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("GET /tasks", a.handleTasks)
	mux.HandleFunc("GET /history", a.handleHistory)
	mux.HandleFunc("GET /history/system", a.handleSystemHistory)
	mux.HandleFunc("GET /telemetry", a.handleTelemetry)
	mux.HandleFunc("GET /hardware", a.handleHardware)
	mux.HandleFunc("GET /config", a.handleConfig)

	var h http.Handler = withCORS(mux)
	if opts.Compression {
		wrap, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
		if err != nil {
			return nil, fmt.Errorf("gzip wrapper: %w", err)
		}
		h = wrap(h)
	}
	return h, nil
}

// withCORS allows cross-origin reads and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func wantsCBOR(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, ContentTypeCBOR) {
			return true
		}
	}
	return false
}

// write encodes v as CBOR or JSON depending on the Accept header.
func (a *API) write(w http.ResponseWriter, r *http.Request, v any) {
	var (
		body []byte
		ct   string
		err  error
	)
	if wantsCBOR(r) {
		body, err = cborMode.Marshal(v)
		ct = ContentTypeCBOR
	} else {
		body, err = json.Marshal(v)
		ct = ContentTypeJSON
	}
	if err != nil {
		a.log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(body); err != nil {
		a.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Client went away")
	}
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString(`<html>
<head><title>rtos_sysmon</title></head>
<body>
<h1>rtos_sysmon ` + a.opts.Version + `</h1>
<ul>
`)
	links := []string{"/tasks", "/history", "/history/system", "/telemetry", "/hardware", "/config"}
	if a.opts.MetricsPath != "" {
		links = append(links, a.opts.MetricsPath)
	}
	for _, l := range links {
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", l, l)
	}
	b.WriteString("</ul>\n</body>\n</html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, tasksView(a.src.Tasks()))
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, historiesView(a.src.TaskHistories()))
}

func (a *API) handleSystemHistory(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, systemHistory(a.src.SystemHistory()))
}

func (a *API) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, telemetry(a.src.System(), a.src.Tasks()))
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	s := a.src.Settings()
	a.write(w, r, configView{
		IntervalMs:  s.Interval.Milliseconds(),
		SampleCount: s.SampleCount,
	})
}

func (a *API) handleHardware(w http.ResponseWriter, r *http.Request) {
	sys := a.src.System()

	var v hardwareView
	v.Chip.Model = a.opts.Model
	v.Chip.Cores = len(sys.Cores)
	v.Chip.Arch = runtime.GOARCH
	v.Chip.OS = runtime.GOOS
	v.Runtime.GoVersion = runtime.Version()
	v.Runtime.Goroutines = runtime.NumGoroutine()
	v.Runtime.HostCPUs = runtime.NumCPU()
	v.Build.Version = a.opts.Version
	if bi, ok := debug.ReadBuildInfo(); ok {
		v.Build.Module = bi.Main.Path
	}
	v.Memory = make(map[string]regionTotal, len(sys.Memory))
	for _, m := range sys.Memory {
		v.Memory[m.Name] = regionTotal{Total: m.Total, Present: m.Present}
	}
	settings := a.src.Settings()
	v.Config.CPUSamplingIntervalMs = settings.Interval.Milliseconds()
	v.Config.SampleCount = settings.SampleCount
	v.UptimeSec = round(a.opts.Now().Sub(a.started).Seconds(), 1)

	a.write(w, r, v)
}
