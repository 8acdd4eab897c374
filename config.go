package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
)

// applyConfigFile reads flag defaults from the default section of the INI
// file at path. Keys are flag names. Flags already set on the command line
// are left alone.
func applyConfigFile(fs *pflag.FlagSet, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	for _, sec := range f.Sections() {
		if sec.Name() != ini.DefaultSection {
			return fmt.Errorf("%s: unexpected section [%s]", path, sec.Name())
		}
	}

	for _, key := range f.Section(ini.DefaultSection).Keys() {
		name := key.Name()
		fl := fs.Lookup(name)
		if fl == nil || name == "config" {
			return fmt.Errorf("%s: unknown key %q", path, name)
		}
		if fl.Changed {
			continue
		}
		if err := fs.Set(name, strings.TrimSpace(key.String())); err != nil {
			return fmt.Errorf("%s: %s: %w", path, name, err)
		}
	}

	return nil
}
