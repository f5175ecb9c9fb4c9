package main

import (
	"github.com/sirupsen/logrus"

	"github.com/jacquard-go/jacquard/internal/config"
)

func setupLogging(cfg *config.LoggingConfig) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	setupLogging(&cfg.Logging)
	return cfg, nil
}
