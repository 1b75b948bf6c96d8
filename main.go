// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/caarlos0/env/v11"
	"github.com/ttbt-io/statkeeper/backend"
)

// envConfig holds settings that come from the environment. Secrets stay out
// of the command line; the rest are overridable defaults for the flags.
type envConfig struct {
	Addr           string `env:"STATKEEPER_ADDR" envDefault:":8080"`
	DataDir        string `env:"STATKEEPER_DATA_DIR" envDefault:"data"`
	MasterKeyPass  string `env:"STATKEEPER_MASTER_KEY"`
	RaftSecret     string `env:"STATKEEPER_RAFT_SECRET"`
	AuthJWKSURL    string `env:"STATKEEPER_JWKS_URL"`
	AuthCookieName string `env:"STATKEEPER_AUTH_COOKIE" envDefault:"statkeeper_auth"`
}

// main starts the web server and registers the API handlers.
func main() {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	var (
		addr             = flag.String("addr", cfg.Addr, "The TCP address to listen to")
		useMockAuth      = flag.Bool("use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
		debugMode        = flag.Bool("debug", false, "Enable debug mode")
		raftEnabled      = flag.Bool("raft", false, "Enable Raft consensus")
		raftBind         = flag.String("raft-bind", ":8081", "Address for Raft TCP transport")
		raftAdvertise    = flag.String("raft-advertise", "", "Public address for Raft traffic (REQUIRED)")
		clusterAdvertise = flag.String("cluster-advertise", "", "Public address for internal cluster traffic (REQUIRED)")
		clusterAddr      = flag.String("cluster-addr", ":9090", "Address for internal cluster API")
		raftSecret       = flag.String("raft-secret", cfg.RaftSecret, "Shared secret for cluster authentication")
		raftBootstrap    = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
		dataDir          = flag.String("data-dir", cfg.DataDir, "Directory for sheet data")
		tlsCert          = flag.String("tls-cert", "", "Path to main HTTP TLS certificate")
		tlsKey           = flag.String("tls-key", "", "Path to main HTTP TLS key")
		authCookieName   = flag.String("auth-cookie-name", cfg.AuthCookieName, "Name of the cookie containing the JWT")
		authJWKSURL      = flag.String("auth-jwks-url", cfg.AuthJWKSURL, "URL of the JWKS endpoint for JWT validation")
	)
	flag.Parse()

	if *raftEnabled {
		if *raftAdvertise == "" {
			log.Fatal("--raft-advertise is required when Raft is enabled")
		}
		if *clusterAdvertise == "" {
			log.Fatal("--cluster-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
	}

	var mainTLSCert *tls.Certificate
	if *tlsCert != "" && *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load main TLS cert/key: %v", err)
		}
		mainTLSCert = &cert
	}

	// Initialize Encryption Key and Storage
	var masterKey crypto.MasterKey
	if passphrase := cfg.MasterKeyPass; passphrase != "" {
		keyFile := filepath.Join(*dataDir, "master.key")
		// Ensure data dir exists for key file
		os.MkdirAll(*dataDir, 0755)

		var err error
		masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile)
		if err != nil {
			if os.IsNotExist(err) {
				log.Println("Initializing new master encryption key...")
				masterKey, err = crypto.CreateMasterKey()
				if err != nil {
					log.Fatalf("Failed to create master key: %v", err)
				}
				if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
					log.Fatalf("Failed to save master key: %v", err)
				}
			} else {
				log.Fatalf("Failed to read master key: %v", err)
			}
		} else {
			log.Println("Loaded master encryption key.")
		}
	} else {
		keyFile := filepath.Join(*dataDir, "master.key")
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but STATKEEPER_MASTER_KEY is not set. Refusing to start in unencrypted mode to prevent data corruption or exposure.", keyFile)
		}
		log.Println("Warning: No STATKEEPER_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
	}

	store := storage.New(*dataDir, masterKey)
	store.EnableCompression(true)

	server, err := backend.StartServer(backend.Options{
		Addr:                  *addr,
		ClusterAdvertise:      *clusterAdvertise,
		ClusterAddr:           *clusterAddr,
		Cert:                  mainTLSCert,
		DataDir:               *dataDir,
		UseMockAuth:           *useMockAuth,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		RaftSecret:            *raftSecret,
		RaftBootstrap:         *raftBootstrap,
		UseProductionTimeouts: true,
		AuthCookieName:        *authCookieName,
		AuthJWKSURL:           *authJWKSURL,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}
