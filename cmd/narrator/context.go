package main

import (
	"fmt"
	"sync"

	"narrator/internal/config"
)

// commandContext lazily loads configuration and shares it across commands.
type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	mu     sync.Mutex
	cfg    *config.Config
	path   string
	client *apiClient
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg != nil {
		return c.cfg, nil
	}

	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolvedPath, _, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.path = resolvedPath
	c.client = newAPIClient(cfg.Paths.APIBind)
	return cfg, nil
}

func (c *commandContext) apiClient() (*apiClient, error) {
	if _, err := c.ensureConfig(); err != nil {
		return nil, err
	}
	return c.client, nil
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return *c.configFlag
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}
