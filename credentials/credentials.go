// Package credentials supplies the account context a purchase or verification runs for.
package credentials

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// EnvPrefix prefixes the account variables, e.g. FLICENSE_ACCOUNT_ACCESS_TOKEN.
const EnvPrefix = "FLICENSE_ACCOUNT"

// Provider returns the current account, or false when no account data is available.
type Provider interface {
	FetchAccountContext(ctx context.Context) (lcs.AccountContext, bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (lcs.AccountContext, bool)

func (f ProviderFunc) FetchAccountContext(ctx context.Context) (lcs.AccountContext, bool) {
	return f(ctx)
}

// Available reports whether p currently yields account data.
func Available(ctx context.Context, p Provider) bool {
	if p == nil {
		return false
	}

	_, ok := p.FetchAccountContext(ctx)
	return ok
}

// Static always returns the same account.
type Static lcs.AccountContext

func (s Static) FetchAccountContext(context.Context) (lcs.AccountContext, bool) {
	a := lcs.AccountContext(s)
	return a, !empty(a)
}

// File reads the account from a JSON file on every call, so a login that rewrites the
// file is picked up without restarting.
type File struct {
	Path string
}

func (f File) FetchAccountContext(context.Context) (lcs.AccountContext, bool) {
	if f.Path == "" {
		return lcs.AccountContext{}, false
	}

	data, err := ioutil.ReadFile(f.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).WithField("path", f.Path).Warn("Couldn't read account file")
		}
		return lcs.AccountContext{}, false
	}

	var a lcs.AccountContext
	if err := json.Unmarshal(data, &a); err != nil {
		logrus.WithError(err).WithField("path", f.Path).Warn("Couldn't unmarshal account file")
		return lcs.AccountContext{}, false
	}

	return a, !empty(a)
}

// Save writes a to the file, readable by the owner only.
func (f File) Save(a lcs.AccountContext) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	return ioutil.WriteFile(f.Path, data, 0600)
}

// Env reads the account from FLICENSE_ACCOUNT_* variables.
type Env struct{}

func (Env) FetchAccountContext(context.Context) (lcs.AccountContext, bool) {
	var a lcs.AccountContext
	if err := envconfig.Process(EnvPrefix, &a); err != nil {
		logrus.WithError(err).Warn("Couldn't read account from environment")
		return lcs.AccountContext{}, false
	}

	return a, !empty(a)
}

// Chain returns the first account any of its providers yields.
type Chain []Provider

func (c Chain) FetchAccountContext(ctx context.Context) (lcs.AccountContext, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}

		if a, ok := p.FetchAccountContext(ctx); ok {
			return a, true
		}
	}

	return lcs.AccountContext{}, false
}

func empty(a lcs.AccountContext) bool {
	return a == lcs.AccountContext{}
}
