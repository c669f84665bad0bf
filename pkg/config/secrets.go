package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Secrets is the sealed secrets file: per-runtime tokens, blob store
// credentials, the user-token signing secret and the forwarding sink
// credentials. It is loaded separately from the catalog so the catalog
// can be committed to version control.
type Secrets struct {
	runtimeTokens   map[string]*RuntimeToken
	storage         *StorageCredentials
	userTokenSecret string
	kcidb           *KCIDBCredentials
}

func (s *Secrets) RuntimeTokens() map[string]*RuntimeToken { return s.runtimeTokens }
func (s *Secrets) Storage() *StorageCredentials            { return s.storage }

// UserTokenSecret signs and verifies user bearer tokens.
func (s *Secrets) UserTokenSecret() string { return s.userTokenSecret }

func (s *Secrets) KCIDB() *KCIDBCredentials { return s.kcidb }

// RuntimeByCallbackToken resolves the runtime name owning a presented
// callback secret. The bool is false when no runtime matches.
func (s *Secrets) RuntimeByCallbackToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for name, rt := range s.runtimeTokens {
		if rt.callbackToken == token {
			return name, true
		}
	}
	return "", false
}

// RuntimeToken is the token pair of one runtime: the value used to
// authenticate against the lab, and the callback token the lab presents
// back to us.
//
// The *description* of the callback token (its name, public, embedded
// in outgoing jobs) is distinct from its *value* (secret, known to the
// lab and this table only).
type RuntimeToken struct {
	runtimeToken  string
	callbackToken string
	callbackDesc  string
}

func (r *RuntimeToken) RuntimeToken() string  { return r.runtimeToken }
func (r *RuntimeToken) CallbackToken() string { return r.callbackToken }
func (r *RuntimeToken) CallbackDesc() string  { return r.callbackDesc }

type StorageCredentials struct {
	accessKeyID     string
	secretAccessKey string
}

func (s *StorageCredentials) AccessKeyID() string     { return s.accessKeyID }
func (s *StorageCredentials) SecretAccessKey() string { return s.secretAccessKey }

type KCIDBCredentials struct {
	url    string
	token  string
	origin string
}

func (k *KCIDBCredentials) URL() string    { return k.url }
func (k *KCIDBCredentials) Token() string  { return k.token }
func (k *KCIDBCredentials) Origin() string { return k.origin }

// LoadSecrets reads and seals the secrets file.
func LoadSecrets(filepath string) (out *Secrets, err error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var _out *SecretsMarshall
	if err := yaml.Unmarshal(content, &_out); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("misconfiguration: %v", r)
		}
	}()
	out = TrySeal[*Secrets](_out)
	return out, nil
}

type SecretsMarshall struct {
	Runtimes        map[string]*RuntimeTokenMarshall `yaml:"runtimes"`
	Storage         *StorageCredentialsMarshall      `yaml:"storage"`
	UserTokenSecret string                           `yaml:"user_token_secret"`
	KCIDB           *KCIDBCredentialsMarshall        `yaml:"kcidb"`
}

var _ Marshalled[*Secrets] = &SecretsMarshall{}

func (s *SecretsMarshall) trySeal(path string) *Secrets {
	sealed := &Secrets{
		runtimeTokens:   map[string]*RuntimeToken{},
		userTokenSecret: required(s.UserTokenSecret, path+".user_token_secret"),
	}
	for name, rt := range s.Runtimes {
		sealed.runtimeTokens[name] = rt.trySeal(path + ".runtimes." + name)
	}
	if s.Storage != nil {
		sealed.storage = s.Storage.trySeal(path + ".storage")
	}
	if s.KCIDB != nil {
		sealed.kcidb = s.KCIDB.trySeal(path + ".kcidb")
	}
	return sealed
}

type RuntimeTokenMarshall struct {
	RuntimeToken  string `yaml:"runtime_token"`
	CallbackToken string `yaml:"callback_token"`
	CallbackDesc  string `yaml:"callback_description"`
}

func (r *RuntimeTokenMarshall) trySeal(path string) *RuntimeToken {
	return &RuntimeToken{
		runtimeToken:  required(r.RuntimeToken, path+".runtime_token"),
		callbackToken: r.CallbackToken,
		callbackDesc:  r.CallbackDesc,
	}
}

type StorageCredentialsMarshall struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func (s *StorageCredentialsMarshall) trySeal(path string) *StorageCredentials {
	return &StorageCredentials{
		accessKeyID:     required(s.AccessKeyID, path+".access_key_id"),
		secretAccessKey: required(s.SecretAccessKey, path+".secret_access_key"),
	}
}

type KCIDBCredentialsMarshall struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Origin string `yaml:"origin"`
}

func (k *KCIDBCredentialsMarshall) trySeal(path string) *KCIDBCredentials {
	return &KCIDBCredentials{
		url:    required(k.URL, path+".url"),
		token:  k.Token,
		origin: required(k.Origin, path+".origin"),
	}
}
