/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"log"
	"net/http"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/retainly/retainly"
	"github.com/retainly/retainly/api"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/traces"
	"github.com/spf13/cobra"
)

/*
serveTLS starts an HTTPS server with TLS enabled using CertMagic for automatic certificate management.
If no domain is specified, the server will default to running on localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start HTTPS server: %v", err)
	}

	return nil
}

func initializeRouter(r *retainlyInstance) *gin.Engine {
	return api.NewAPI(r.retainly).Router()
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

/*
serverCommands returns the `start` command. It serves the HTTP API, including the
secured /tick endpoint. With --autotick the process also runs ticks on the
configured interval, for deployments without an external scheduler.
*/
func serverCommands(r *retainlyInstance) *cobra.Command {
	var autoTick bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start retainly server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			shutdown, err := traces.SetupOTelSDK(ctx, r.cnf.Telemetry)
			if err != nil {
				log.Fatalf("error setting up OTel SDK: %v", err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			defer func() {
				if err := r.retainly.Close(); err != nil {
					log.Printf("Error closing retainly: %v", err)
				}
			}()

			if autoTick {
				runner := retainly.NewTickRunner(r.retainly)
				runner.Start(ctx)
				defer runner.Stop()
			}

			router := initializeRouter(r)
			if err := startServer(router, r.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}
	cmd.Flags().BoolVar(&autoTick, "autotick", false, "run scheduler ticks inside the server process")

	return cmd
}
