package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mailfold/mailfold/internal/config"
	"github.com/mailfold/mailfold/internal/connection"
	"github.com/mailfold/mailfold/internal/oauth"
	"github.com/mailfold/mailfold/internal/provider/google"
	"github.com/mailfold/mailfold/internal/storage"
	"github.com/mailfold/mailfold/internal/version"
	"github.com/mailfold/mailfold/internal/web"
)

func main() {
	cfgPath := os.Getenv("MAILFOLD_CONFIG")
	if cfgPath == "" {
		cfgPath = "mailfold.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	transport := oauth.NewHTTPTransport()

	// Seed config-supplied credentials into the store, then load them back
	// so the store stays the single credential source.
	gmailCfg := cfg.Providers[google.ProviderName]
	if gmailCfg.ClientID != "" {
		err := store.SeedCredential(google.ProviderName, oauth.Credential{
			ClientID:     gmailCfg.ClientID,
			ClientSecret: gmailCfg.ClientSecret,
		})
		if err != nil {
			log.Fatalf("Failed to seed credential: %v", err)
		}
	}

	gmail := google.New(gmailCfg.RedirectURI, gmailCfg.Scopes)
	holder := &oauth.CredentialHolder{}
	if cred, err := store.LoadCredential(google.ProviderName); err == nil {
		holder.Initialize(cred)
	} else {
		log.Printf("⚠️ No %s credential configured; authorization flows will fail until one is set", google.ProviderName)
	}

	engine := oauth.NewEngine(gmail, holder, oauth.NewCache(), transport)
	mgr := connection.NewManager(store, map[string]connection.Service{
		google.ProviderName: {
			Engine:  engine,
			Profile: google.NewProfileClient(transport),
		},
	})

	accounts, err := mgr.RestoreOnStartup(context.Background())
	if err != nil {
		log.Fatalf("Failed to restore accounts: %v", err)
	}
	for _, acc := range accounts {
		log.Printf("   %s %s connected=%v", acc.Provider, acc.Username, acc.Connected)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth flow
	r.Get("/auth/{provider}/login", web.LoginHandler(mgr))
	r.Get("/auth/{provider}/callback", web.CallbackHandler(mgr))

	// Connection management
	r.Route("/api", func(r chi.Router) {
		r.Post("/connections/complete", web.CompleteHandler(mgr))
		r.Post("/connections/cancel", web.CancelHandler(mgr))
		r.Get("/accounts", web.AccountsHandler(mgr))
		r.Delete("/accounts/{id}", web.DisconnectHandler(mgr))
		r.Post("/accounts/{id}/refresh", web.RefreshHandler(mgr))
	})

	addr := cfg.Host + ":" + cfg.Port
	log.Printf("🚀 mailfold %s starting on http://%s", version.Version, addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
