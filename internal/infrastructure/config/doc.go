// Package config handles loading and validating printgate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Printer access codes, API keys and broker passwords should be set via
//     environment variables or a config file with restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/printgate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.Name)
package config
