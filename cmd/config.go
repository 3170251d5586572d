/*
Copyright 2022

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
package cmd

import (
	"fmt"
	"time"
	_ "time/tzdata" // Asia/Taipei without a system zoneinfo database

	"github.com/penny-vault/import-twbroker/broker"
	"github.com/penny-vault/import-twbroker/updater"
	"github.com/spf13/viper"
)

func setDefaults() {
	viper.SetDefault("broker.timeout", 30*time.Second)
	viper.SetDefault("broker.rate_limit", 0)
	viper.SetDefault("broker.circuit_breaker.enabled", false)
	viper.SetDefault("broker.circuit_breaker.failures", 5)
	viper.SetDefault("broker.circuit_breaker.cooldown", 60*time.Second)

	rc := broker.DefaultReconstructConfig()
	viper.SetDefault("parse.min_stride", rc.MinStride)
	viper.SetDefault("parse.volume_scale_threshold", rc.VolumeScaleThreshold)
	viper.SetDefault("parse.volume_scale_factor", rc.VolumeScaleFactor)
	viper.SetDefault("parse.sample_size", rc.SampleSize)
	viper.SetDefault("parse.reject_threshold", 0.2)
	viper.SetDefault("parse.max_unparseable_rate", *broker.DefaultRules().MaxUnparseableRate)

	viper.SetDefault("update.smart_skip", true)
	viper.SetDefault("update.staleness_days", 7)
	viper.SetDefault("update.max_workers", 4)
	viper.SetDefault("update.batch_size", 500)
	viper.SetDefault("update.timezone", "Asia/Taipei")
	viper.SetDefault("update.progress", true)
}

// registry returns the configured brokers, or the built-in list when the
// configuration names none. parse.max_unparseable_rate applies to every
// broker without its own rate.
func registry() (broker.Registry, error) {
	endpoints := broker.DefaultRegistry().Endpoints()
	if viper.IsSet("brokers") {
		endpoints = nil
		if err := viper.UnmarshalKey("brokers", &endpoints); err != nil {
			return broker.Registry{}, fmt.Errorf("decode brokers: %w", err)
		}
		for i := range endpoints {
			if endpoints[i].Rules.MaxUnparseableRate == nil {
				endpoints[i].Rules.MaxUnparseableRate = broker.Rate(viper.GetFloat64("parse.max_unparseable_rate"))
			}
		}
	} else {
		for i := range endpoints {
			endpoints[i].Rules.MaxUnparseableRate = broker.Rate(viper.GetFloat64("parse.max_unparseable_rate"))
		}
	}
	return broker.NewRegistry(endpoints)
}

func fetcherConfig() broker.FetcherConfig {
	return broker.FetcherConfig{
		Timeout:   viper.GetDuration("broker.timeout"),
		RateLimit: viper.GetInt("broker.rate_limit"),
		Breaker: broker.BreakerConfig{
			Enabled:  viper.GetBool("broker.circuit_breaker.enabled"),
			Failures: viper.GetUint32("broker.circuit_breaker.failures"),
			Cooldown: viper.GetDuration("broker.circuit_breaker.cooldown"),
		},
	}
}

// marketLocation is the zone that defines the current trading day for both
// the future-date check and smart skip.
func marketLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(viper.GetString("update.timezone"))
	if err != nil {
		return nil, fmt.Errorf("update.timezone: %w", err)
	}
	return loc, nil
}

func orchestratorConfig() (broker.OrchestratorConfig, error) {
	loc, err := marketLocation()
	if err != nil {
		return broker.OrchestratorConfig{}, err
	}
	return broker.OrchestratorConfig{
		Priority: viper.GetStringSlice("broker.priority"),
		Reconstruct: broker.ReconstructConfig{
			MinStride:            viper.GetInt("parse.min_stride"),
			VolumeScaleThreshold: viper.GetFloat64("parse.volume_scale_threshold"),
			VolumeScaleFactor:    viper.GetFloat64("parse.volume_scale_factor"),
			SampleSize:           viper.GetInt("parse.sample_size"),
		},
		MaxRejectRate: broker.Rate(viper.GetFloat64("parse.reject_threshold")),
		Location:      loc,
	}, nil
}

func newOrchestrator() (*broker.Orchestrator, error) {
	reg, err := registry()
	if err != nil {
		return nil, err
	}
	cfg, err := orchestratorConfig()
	if err != nil {
		return nil, err
	}
	return broker.NewOrchestrator(reg, broker.NewFetcher(fetcherConfig()), cfg), nil
}

func updaterConfig() (updater.Config, error) {
	loc, err := marketLocation()
	if err != nil {
		return updater.Config{}, err
	}
	return updater.Config{
		SmartSkip:     viper.GetBool("update.smart_skip"),
		StalenessDays: viper.GetInt("update.staleness_days"),
		MaxWorkers:    viper.GetInt("update.max_workers"),
		BatchSize:     viper.GetInt("update.batch_size"),
		Location:      loc,
		ShowProgress:  viper.GetBool("update.progress"),
	}, nil
}
