package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kouzoh/kokukuma-disclosure/internal/cryptoroot"
	"github.com/kouzoh/kokukuma-disclosure/internal/server"
	"github.com/kouzoh/kokukuma-disclosure/pkg/pki"
	"github.com/kouzoh/kokukuma-disclosure/pkg/sessionstore"
	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

const (
	sessionTTL      = 10 * time.Minute
	sessionPurge    = time.Hour
	cleanupInterval = time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment as-is")
	}

	serverDomain := envOr("SERVER_DOMAIN", "localhost")
	publicURL := envOr("PUBLIC_URL", "https://"+serverDomain)
	walletBaseURL := envOr("WALLET_BASE_URL", "eudi-openid4vp://verifier-backend.eudiw.dev")
	listenAddr := envOr("LISTEN_ADDR", ":8080")

	v, store, err := buildVerifier(serverDomain, publicURL)
	if err != nil {
		log.Fatalf("failed to build verifier: %v", err)
	}

	if memory, ok := store.(*sessionstore.Memory); ok {
		memory.StartCleanup(context.Background(), cleanupInterval, sessionTTL, sessionPurge)
	}

	srv, err := server.New(v, walletBaseURL, os.Getenv("DEBUG") == "true")
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	r := mux.NewRouter()
	r.Use(handlers.CORS(
		handlers.AllowedMethods([]string{"POST", "GET", "DELETE"}),
		handlers.AllowedHeaders([]string{"content-type"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowCredentials(),
	))

	r.HandleFunc("/sessions", srv.NewSession).Methods("POST", "OPTIONS")
	r.HandleFunc("/sessions/{token}/status", srv.Status).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{token}/attributes", srv.Attributes).Methods("GET", "OPTIONS")

	// wallet-facing endpoints
	r.HandleFunc("/disclosure/{token}/request_uri", srv.RequestURI).Methods("GET", "OPTIONS")
	r.HandleFunc("/disclosure/{token}/response_uri", srv.ResponseURI).Methods("POST", "OPTIONS")

	log.Println("starting disclosure server at", listenAddr)
	log.Fatal(http.ListenAndServe(listenAddr, r))
}

func buildVerifier(serverDomain, publicURL string) (*verifier.Verifier, verifier.SessionStore, error) {
	// Trust anchors for issuer chains: a pems directory if configured, the
	// locally generated root otherwise.
	root, err := cryptoroot.LoadOrCreateRoot(envOr("CRYPTO_ROOT_DIR", "internal/cryptoroot/pem"), "Disclosure Root CA")
	if err != nil {
		return nil, nil, err
	}
	trustAnchors := root.Pool()
	if pemsDir := os.Getenv("TRUST_ANCHORS_DIR"); pemsDir != "" {
		trustAnchors, err = pki.LoadRootPool(pemsDir)
		if err != nil {
			return nil, nil, err
		}
	}

	keyPair, err := relyingPartyKeyPair(root, serverDomain)
	if err != nil {
		return nil, nil, err
	}
	useCase, err := verifier.NewUseCase(keyPair, verifier.ReturnURLNeither)
	if err != nil {
		return nil, nil, err
	}
	sameDevice := useCase
	sameDevice.ReturnURL = verifier.ReturnURLSameDevice

	useCases := verifier.UseCases{
		"default":     useCase,
		"same_device": sameDevice,
	}

	var store verifier.SessionStore = sessionstore.NewMemory()
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		redisStore := sessionstore.NewRedis(client, sessionTTL)
		if err := redisStore.Ping(context.Background()); err != nil {
			return nil, nil, err
		}
		store = redisStore
	}

	secret := []byte(os.Getenv("EPHEMERAL_ID_SECRET"))
	if len(secret) == 0 {
		secret = cryptoroot.CalcKID(&root.Key.PublicKey, "sha256")
		log.Println("EPHEMERAL_ID_SECRET not set, deriving one from the root key")
	}

	v, err := verifier.New(useCases, store, trustAnchors, secret, publicURL)
	if err != nil {
		return nil, nil, err
	}
	return v, store, nil
}

// relyingPartyKeyPair loads the RP signing credentials from PEM files when
// RP_KEY_PATH is set (e.g. a CA-issued certificate for production wallets),
// and issues a certificate under the local root otherwise.
func relyingPartyKeyPair(root *cryptoroot.Root, serverDomain string) (verifier.KeyPair, error) {
	if keyPath := os.Getenv("RP_KEY_PATH"); keyPath != "" {
		rpKey, err := pki.LoadPrivateKey(keyPath)
		if err != nil {
			return verifier.KeyPair{}, err
		}
		rpCert, err := pki.LoadCertificate(os.Getenv("RP_CERT_PATH"))
		if err != nil {
			return verifier.KeyPair{}, err
		}

		var chain [][]byte
		if caPath := os.Getenv("RP_CA_CERT_PATH"); caPath != "" {
			caCert, err := pki.LoadCertificate(caPath)
			if err != nil {
				return verifier.KeyPair{}, err
			}
			chain = append(chain, caCert.Raw)
		}
		return verifier.NewKeyPair(rpKey, rpCert, chain...), nil
	}

	rpKey, rpCert, err := root.IssueRelyingParty(serverDomain)
	if err != nil {
		return verifier.KeyPair{}, err
	}
	return verifier.NewKeyPair(rpKey, rpCert, root.Cert.Raw), nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
