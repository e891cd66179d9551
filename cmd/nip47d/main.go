// Command nip47d is the CLN plugin entry point (§4.10): registers the
// nip47-relays/nip47-notifications options and the nip47-create/-revoke/
// -budget/-list RPC commands, wires the Lifecycle Controller and Request
// Dispatcher together, and runs the notification watchers until CLN signals
// shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/niftynei/glightning/glightning"
	"github.com/niftynei/glightning/jrpc2"
	"github.com/skip2/go-qrcode"

	"nip47d/internal/budget"
	"nip47d/internal/cln"
	"nip47d/internal/correlator"
	"nip47d/internal/dispatcher"
	"nip47d/internal/lifecycle"
	"nip47d/internal/nwc"
	"nip47d/internal/store"
)

// storePathEnv/logLevelEnv/correlatorTTLEnv follow the teacher's
// env-var-with-defaults idiom from main.go's init() — process-level tuning
// that isn't part of the CLN plugin option contract (§10.3).
const (
	storePathEnv     = "NIP47D_STORE_PATH"
	logLevelEnv      = "NIP47D_LOG_LEVEL"
	correlatorTTLEnv = "NIP47D_CORRELATOR_TTL"
)

// app bundles the services every RPC method and background watcher needs.
type app struct {
	st         *store.Store
	controller *lifecycle.Controller
	dispatcher *dispatcher.Dispatcher
}

func main() {
	initLogger()

	lightning := glightning.NewLightning()
	var a *app

	plugin := glightning.NewPlugin(func(p *glightning.Plugin, options map[string]glightning.Option, config *glightning.Config) {
		if err := lightning.StartUp(config.RpcFile, config.LightningDir); err != nil {
			slog.Error("failed to connect to lightningd RPC", "error", err)
			os.Exit(1)
		}
		a = assemble(lightning, options)
		runWatchers(a)
	})

	plugin.RegisterOption(glightning.NewOption("nip47-relays",
		"comma-separated list of default relay URLs for new NWC connections",
		"wss://relay.damus.io,wss://nos.lol"))
	plugin.RegisterOption(glightning.NewOption("nip47-notifications",
		"enable payment_received/payment_sent notifications by default", "true"))

	plugin.RegisterMethod(glightning.NewRpcMethod(&createMethod{}, "Create a new NWC connection (label, budget_msat?, interval?)"))
	plugin.RegisterMethod(glightning.NewRpcMethod(&revokeMethod{}, "Revoke an NWC connection (label)"))
	plugin.RegisterMethod(glightning.NewRpcMethod(&budgetMethod{}, "Update an NWC connection's budget (label, budget_msat?, interval?)"))
	plugin.RegisterMethod(glightning.NewRpcMethod(&listMethod{}, "List NWC connections (label?)"))

	// The RPC methods above need a reference to app, which only exists once
	// onInit runs; they look it up lazily via getApp rather than
	// capturing a*app that's nil at registration time.
	getApp = func() *app { return a }

	if err := plugin.Start(os.Stdin, os.Stdout); err != nil {
		slog.Error("plugin terminated", "error", err)
		os.Exit(1)
	}
}

// getApp is set by main before plugin.Start and returns the app onInit
// populates (nil until onInit has run); RPC method Call implementations use
// it instead of holding a field that's nil at RegisterMethod time
// (plugin.RegisterMethod happens before onInit fires).
var getApp func() *app

func initLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv(logLevelEnv)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func relaysFromOption(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

func storePath() string {
	if p := os.Getenv(storePathEnv); p != "" {
		return p
	}
	return "nip47d.db"
}

func correlatorTTL() time.Duration {
	if raw := os.Getenv(correlatorTTLEnv); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 24 * time.Hour
}

// assemble builds the app's services once CLN has handed over its RPC
// socket and this plugin's parsed options.
func assemble(lightning *glightning.Lightning, options map[string]glightning.Option) *app {
	relays := relaysFromOption(options["nip47-relays"].Value())
	notifyDefault := options["nip47-notifications"].Value() != "false"

	st, err := store.Open(storePath())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	hasXPay := false
	if help, err := lightning.Help(); err == nil {
		for _, c := range help {
			if strings.HasPrefix(c.NameAndUsage, "xpay") {
				hasXPay = true
			}
		}
	}

	clnAdapter := cln.New(lightning, hasXPay)
	budgetEngine := budget.New(st)
	corr := correlator.New(correlator.NewMemoryBackend(correlatorTTL()), time.Now().Unix())
	disp := dispatcher.New(st, budgetEngine, clnAdapter, corr, slog.Default())
	controller := lifecycle.New(st, disp, relays, notifyDefault, slog.Default())

	return &app{st: st, controller: controller, dispatcher: disp}
}

// runWatchers starts the per-row Relay Pools, the two notification
// watchers, and the SIGTERM drain sequence (§10.1, §4.10): stop the
// notification watchers, wait 5s for in-flight responses to publish, flush
// the store, exit — grounded on the teacher's main.go shutdown goroutine.
// The Relay Pools are not stopped by this sequence; they keep reading and
// dispatching inbound events until the process exits.
func runWatchers(a *app) {
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.controller.StartAll(ctx); err != nil {
		slog.Error("failed to start relay pools for existing connections", "error", err)
	}

	go a.dispatcher.RunInvoiceWatcher(ctx, a.controller.Lookup)
	go a.dispatcher.RunPaymentSentWatcher(ctx, a.controller.Lookup)

	go func() {
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
		<-sigterm
		slog.Info("shutdown signal received, draining in-flight requests")

		cancel() // stop the notification watchers (relay pools run on their own context)
		time.Sleep(5 * time.Second) // let in-flight responses finish publishing

		if err := a.st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
		slog.Info("cleanup complete")
		os.Exit(0)
	}()
}

// --- RPC command methods -------------------------------------------------

type createMethod struct {
	Label      string `json:"label"`
	BudgetMsat *int64 `json:"budget_msat,omitempty"`
	Interval   string `json:"interval,omitempty"`
}

func (m *createMethod) Name() string     { return "nip47-create" }
func (m *createMethod) New() interface{} { return &createMethod{} }
func (m *createMethod) Call() (jrpc2.Result, error) {
	rec, uri, err := getApp().controller.Create(context.Background(), m.Label, m.BudgetMsat, m.Interval)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"label":            rec.Label,
		"connection_uri":   uri,
		"walletkey_public": rec.WalletKeyPublic,
		"clientkey_public": rec.ClientKeyPublic,
	}
	if qr, err := qrcode.New(uri, qrcode.Medium); err == nil {
		out["qr_ascii"] = qr.ToSmallString(false)
	}
	return out, nil
}

type revokeMethod struct {
	Label string `json:"label"`
}

func (m *revokeMethod) Name() string     { return "nip47-revoke" }
func (m *revokeMethod) New() interface{} { return &revokeMethod{} }
func (m *revokeMethod) Call() (jrpc2.Result, error) {
	if err := getApp().controller.Revoke(context.Background(), m.Label); err != nil {
		return nil, err
	}
	return map[string]interface{}{"revoked": m.Label}, nil
}

type budgetMethod struct {
	Label      string `json:"label"`
	BudgetMsat *int64 `json:"budget_msat,omitempty"`
	Interval   string `json:"interval,omitempty"`
}

func (m *budgetMethod) Name() string     { return "nip47-budget" }
func (m *budgetMethod) New() interface{} { return &budgetMethod{} }
func (m *budgetMethod) Call() (jrpc2.Result, error) {
	rec, err := getApp().controller.Budget(context.Background(), m.Label, m.BudgetMsat, m.Interval)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"label":        rec.Label,
		"budget":       nwc.FormatBudget(rec),
		"spent_msat":   rec.SpentMsat,
		"window_start": rec.WindowStart,
	}, nil
}

type listMethod struct {
	Label string `json:"label,omitempty"`
}

func (m *listMethod) Name() string     { return "nip47-list" }
func (m *listMethod) New() interface{} { return &listMethod{} }
func (m *listMethod) Call() (jrpc2.Result, error) {
	recs, err := getApp().controller.List(m.Label)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, map[string]interface{}{
			"label":                 rec.Label,
			"walletkey_public":      rec.WalletKeyPublic,
			"clientkey_public":      rec.ClientKeyPublic,
			"relays":                rec.Relays,
			"budget_msat":           rec.BudgetMsat,
			"interval_secs":         rec.IntervalSecs,
			"spent_msat":            rec.SpentMsat,
			"window_start":          rec.WindowStart,
			"notifications_enabled": rec.NotificationsEnabled,
			"receive_only":          rec.ReceiveOnly(),
		})
	}
	return map[string]interface{}{"connections": out}, nil
}
