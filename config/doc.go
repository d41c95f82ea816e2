// Package config loads the dserv process configuration.
//
// Configuration comes from three places, later ones winning: compiled
// defaults (Default), zero or more files added as layers, and DSERV_*
// environment variables. Files may be YAML or JSON; a JSON document is
// valid YAML, so both decode through gopkg.in/yaml.v3, which also accepts
// duration strings such as "5s". Command-line flags are applied on top by
// cmd/dserv.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/dserv/dserv.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
package config
