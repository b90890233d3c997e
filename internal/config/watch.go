package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Watch re-reads the config file named by --config whenever it changes and
// passes every valid result to onChange. Invalid edits are logged and skipped.
func Watch(cmd *cobra.Command, logger *logrus.Logger, onChange func(*Config)) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("watching requires a config file (--config)")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.WithFields(logrus.Fields{
			"file": e.Name,
			"op":   e.Op.String(),
		}).Info("Config file changed")

		cfg, err := decode(v)
		if err != nil {
			logger.WithError(err).Error("Ignoring invalid configuration change")
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()

	logger.WithField("file", v.ConfigFileUsed()).Info("Watching config file for changes")
	return nil
}
