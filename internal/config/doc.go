// Package config loads the OpenSwap daemon configuration from a JSON file and
// fills in defaults for every section the operator leaves out. Chain and
// asset definitions live in separate YAML files referenced from here.
package config
