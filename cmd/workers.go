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
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/retainly/retainly"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/traces"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.WebhookQueue: 3,
		conf.Queue.TickQueue:    1,
	}
}

func initializeWorkerServer(opt asynq.RedisClientOpt, conf *config.Configuration) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      initializeQueues(conf),
		Logger:      logrus.StandardLogger(),
	})
}

func initializeTaskHandlers(r *retainlyInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(r.cnf.Queue.WebhookQueue, retainly.ProcessWebhook)
	mux.HandleFunc(retainly.TickTaskType, r.retainly.ProcessTickTask)
}

// tickInterval is the deduplication window for scheduled ticks.
func tickInterval(conf *config.Configuration) time.Duration {
	interval := time.Duration(conf.Scheduler.IntervalSeconds) * time.Second
	if interval < time.Second {
		return time.Minute
	}
	return interval
}

// initializeScheduler registers the periodic tick on the configured cron spec.
func initializeScheduler(r *retainlyInstance, opt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger:   logrus.StandardLogger(),
		Location: time.UTC,
	})
	entryID, err := scheduler.Register(r.cnf.Queue.TickCron, r.retainly.Queue().NewTickTask(tickInterval(r.cnf)))
	if err != nil {
		return nil, fmt.Errorf("error registering tick schedule: %v", err)
	}
	logrus.WithFields(logrus.Fields{"entry_id": entryID, "cron": r.cnf.Queue.TickCron}).Info("tick schedule registered")
	return scheduler, nil
}

// workerCommands defines the "workers" command. The workers deliver webhook
// events and run the scheduled tick, with asynqmon serving the queue dashboard.
func workerCommands(r *retainlyInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start retainly workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := r.cnf

			shutdown, err := traces.SetupOTelSDK(ctx, conf.Telemetry)
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

			opt, err := retainly.QueueRedisOpt(conf)
			if err != nil {
				log.Fatalf("error parsing Redis URL: %v", err)
			}

			srv := initializeWorkerServer(opt, conf)
			mux := asynq.NewServeMux()
			initializeTaskHandlers(r, mux)

			scheduler, err := initializeScheduler(r, opt)
			if err != nil {
				log.Fatal(err)
			}
			if err := scheduler.Start(); err != nil {
				log.Fatalf("could not start scheduler: %v", err)
			}
			defer scheduler.Shutdown()

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
