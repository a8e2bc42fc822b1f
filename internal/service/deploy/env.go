package deploy

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Satvik374/bot-deployer/internal/domain"
)

const (
	envPortKey    = "PORT"
	portRangeMin  = 10000
	portRangeMax  = 65535
	proxyHTTPKey  = "HTTP_PROXY"
	proxyHTTPSKey = "HTTPS_PROXY"
)

// resolveRunEnv computes the child process environment. Precedence,
// lowest first: the daemon's own environment, variables parsed from the
// repository env file, operator variables. Proxy settings and the
// injected port are applied last; an operator or env-file PORT is kept
// verbatim.
func (s Service) resolveRunEnv(dep domain.Deployment) []string {
	merged := environMap(os.Environ())

	fileVars := s.readEnvFile(dep)
	for k, v := range fileVars {
		merged[k] = v
	}
	for k, v := range dep.EnvVars {
		merged[k] = v
	}

	if dep.Proxy != "" {
		merged[proxyHTTPKey] = dep.Proxy
		merged[proxyHTTPSKey] = dep.Proxy
	}

	if !portSupplied(dep.EnvVars, fileVars) {
		merged[envPortKey] = strconv.Itoa(randomPort())
	}

	return flattenEnv(merged)
}

// portSupplied reports whether the operator provided a port, directly
// or through the env file. The daemon's own PORT never counts.
func portSupplied(operator, fileVars map[string]string) bool {
	if _, ok := operator[envPortKey]; ok {
		return true
	}
	_, ok := fileVars[envPortKey]
	return ok
}

func randomPort() int {
	return portRangeMin + rand.Intn(portRangeMax-portRangeMin)
}

// readEnvFile parses the deployment's dotenv file from the cloned
// repository. A missing or unparsable file is reported on the log
// stream and otherwise ignored.
func (s Service) readEnvFile(dep domain.Deployment) map[string]string {
	if dep.EnvFile == "" {
		return nil
	}

	path := filepath.Join(dep.Workdir, dep.EnvFile)
	rel, err := filepath.Rel(dep.Workdir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		s.pub.Publish(dep.ID, fmt.Sprintf("env file %s ignored: outside repository", dep.EnvFile))
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		s.pub.Publish(dep.ID, fmt.Sprintf("env file %s not readable: %v", dep.EnvFile, err))
		return nil
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		s.pub.Publish(dep.ID, fmt.Sprintf("env file %s not parsable: %v", dep.EnvFile, err))
		return nil
	}
	return vars
}

// redactProxy hides proxy credentials, keeping only the host portion
// after any '@'.
func redactProxy(proxy string) string {
	if i := strings.LastIndex(proxy, "@"); i >= 0 {
		return proxy[i+1:]
	}
	return proxy
}

func environMap(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, entry := range entries {
		if k, v, ok := strings.Cut(entry, "="); ok {
			m[k] = v
		}
	}
	return m
}

func flattenEnv(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
