// Package config handles loading and validating graybus configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Selecting exactly one transport backend
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords, tokens and the gateway JWT secret should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Transport.Type)
package config
