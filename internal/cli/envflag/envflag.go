// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package envflag defines flags whose defaults come from environment
// variables.
package envflag

import (
	"flag"
	"fmt"
	"strconv"
	"time"
)

// Type lists the value types envflag supports.
type Type interface {
	int | int64 | bool | string | time.Duration
}

// Value defines a flag on fs. Its default is taken from the environment
// variable envName when that is set and parses, and from def otherwise.
// An explicitly passed flag wins over both.
func Value[T Type](fs *flag.FlagSet, getenv func(string) string, name, envName string, def T, usage string) *T {
	v := new(T)
	Var(fs, getenv, v, name, envName, def, usage)
	return v
}

// Var is like [Value], but stores the flag value in p.
func Var[T Type](fs *flag.FlagSet, getenv func(string) string, p *T, name, envName string, def T, usage string) {
	*p = def
	if s := getenv(envName); s != "" {
		if parsed, err := parse[T](s); err == nil {
			*p = parsed
		}
	}
	fs.Var(&value[T]{p}, name, usage+" Can be set with the "+envName+" environment variable.")
}

type value[T Type] struct{ p *T }

func (v *value[T]) String() string {
	if v.p == nil {
		return ""
	}
	return fmt.Sprint(*v.p)
}

func (v *value[T]) Set(s string) error {
	parsed, err := parse[T](s)
	if err != nil {
		return err
	}
	*v.p = parsed
	return nil
}

// IsBoolFlag lets boolean flags be passed without a value.
func (v *value[T]) IsBoolFlag() bool {
	_, ok := any(*v.p).(bool)
	return ok
}

func parse[T Type](s string) (T, error) {
	var zero T
	var (
		out any
		err error
	)
	switch any(zero).(type) {
	case int:
		out, err = strconv.Atoi(s)
	case int64:
		out, err = strconv.ParseInt(s, 10, 64)
	case bool:
		out, err = strconv.ParseBool(s)
	case string:
		out = s
	case time.Duration:
		out, err = time.ParseDuration(s)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}
