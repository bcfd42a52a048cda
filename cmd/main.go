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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/retainly/retainly"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/database"
	"github.com/retainly/retainly/internal/cache"
	"github.com/retainly/retainly/internal/mailer"
	"github.com/retainly/retainly/internal/notification"
	"github.com/retainly/retainly/internal/reasoner"
	redis_db "github.com/retainly/retainly/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// settingsCacheTTL bounds how long account settings are served from process memory.
const settingsCacheTTL = time.Minute

// configOnly marks commands that need the configuration but not a running engine.
const configOnly = "config_only"

// Retainly represents the CLI application, encapsulating the root Cobra command.
type Retainly struct {
	cmd *cobra.Command
}

// retainlyInstance holds the engine and the configuration it was built from.
type retainlyInstance struct {
	retainly *retainly.Retainly
	cnf      *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command runs.
func preRun(app *retainlyInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		if isConfigOnly(cmd) {
			return nil
		}

		r, err := setupRetainly(cmd.Context(), cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.retainly = r
		return nil
	}
}

func isConfigOnly(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, ok := c.Annotations[configOnly]; ok {
			return true
		}
	}
	return false
}

// setupRetainly connects the data source and the outbound capabilities, then
// builds the engine on top of them.
func setupRetainly(ctx context.Context, cfg *config.Configuration) (*retainly.Retainly, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	redisClient, err := redis_db.NewFromDNS(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %v", err)
	}

	db, err := database.NewDataSource(cfg, cache.NewRedisCache(redisClient.Client(), settingsCacheTTL))
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	m, err := mailer.NewHTTPMailer(cfg.Mailer)
	if err != nil {
		return nil, fmt.Errorf("error creating mailer: %v", err)
	}

	rs, err := reasoner.NewGeminiReasoner(ctx, cfg.Reasoner)
	if err != nil {
		return nil, fmt.Errorf("error creating reasoner: %v", err)
	}

	r, err := retainly.NewRetainly(db, m, rs)
	if err != nil {
		return nil, fmt.Errorf("error creating retainly: %v", err)
	}
	return r, nil
}

// NewCLI creates the command-line interface with the server, worker, tick,
// migration and config commands.
func NewCLI() *Retainly {
	var configFile string
	r := &retainlyInstance{}

	var rootCmd = &cobra.Command{
		Use:   "retainly",
		Short: "Retention outreach engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./retainly.json", "Configuration file for retainly")
	rootCmd.PersistentPreRunE = preRun(r, &configFile)

	rootCmd.AddCommand(serverCommands(r))
	rootCmd.AddCommand(workerCommands(r))
	rootCmd.AddCommand(tickCommands(r))
	rootCmd.AddCommand(migrateCommands(r))
	rootCmd.AddCommand(configCommands(r))

	return &Retainly{cmd: rootCmd}
}

func (w Retainly) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
