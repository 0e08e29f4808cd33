package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/function61/edgecert/pkg/acmeclient"
	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certagent"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/encryptedbox"
	"github.com/function61/edgecert/pkg/enrollment"
	"github.com/function61/edgecert/pkg/estclient"
	"github.com/function61/edgecert/pkg/httpserver"
	"github.com/function61/edgecert/pkg/tlsreload"
	"github.com/function61/edgecert/pkg/workflow"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/prometheus/client_golang/prometheus"
)

// for commands that only look (status, crl-update): they must not register ACME accounts
// or talk to the CA
type readOnlyClient struct{}

func (readOnlyClient) RequestCertificate(_ context.Context, identity string, _ []string) (*certlifecycle.CertificateMaterial, error) {
	return nil, fmt.Errorf("%s: read-only mode, not requesting certificates", identity)
}

func makeAgents(
	conf *config,
	readOnly bool,
	extraHooks []certagent.Hook,
	logger *log.Logger,
) ([]*certagent.Agent, error) {
	publisher := atomicpublish.New(logex.Prefix("publish", logger))

	// one ACME account for all agents
	var acme *acmeclient.Client

	agents := []*certagent.Agent{}

	for _, agentConf := range conf.Agents {
		workflowConf, err := agentConf.toWorkflowConfig()
		if err != nil { // already validated, but be safe
			return nil, fmt.Errorf("agent %s: %w", agentConf.Identity, err)
		}

		agentLogger := logex.Prefix(agentConf.Identity, logger)

		var client enrollment.ProtocolClient = readOnlyClient{}
		if !readOnly {
			switch {
			case conf.Protocol.ACME != nil:
				if acme == nil {
					acme, err = acmeclient.New(*conf.Protocol.ACME, publisher, logex.Prefix("acme", logger))
					if err != nil {
						return nil, err
					}
				}
				client = acme
			case conf.Protocol.EST != nil:
				// re-enrollment authenticates with this agent's own pair
				certPath, keyPath := workflowConf.CertificatePath, workflowConf.KeyPath
				client, err = estclient.New(*conf.Protocol.EST, func() (string, string) {
					return certPath, keyPath
				}, logex.Prefix("est", agentLogger))
				if err != nil {
					return nil, err
				}
			default:
				return nil, errors.New("no protocol configured")
			}
		}

		hooks := append([]certagent.Hook{}, extraHooks...)
		if len(agentConf.ReloadCommand) > 0 {
			reload, err := certagent.CommandHook(agentConf.ReloadCommand, 0)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", agentConf.Identity, err)
			}
			hooks = append(hooks, reload)
		}

		var escrowRecipient *rsa.PublicKey
		if agentConf.EscrowPublicKeyPath != "" {
			escrowRecipient, err = encryptedbox.LoadRecipient(agentConf.EscrowPublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("agent %s: escrow: %w", agentConf.Identity, err)
			}
		}

		agent, err := certagent.New(certagent.Options{
			Config:          workflowConf,
			Client:          client,
			Writer:          publisher,
			Hooks:           hooks,
			EscrowRecipient: escrowRecipient,
			EscrowPath:      agentConf.EscrowPath,
		}, agentLogger)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentConf.Identity, err)
		}

		agents = append(agents, agent)
	}

	return agents, nil
}

// runs all agents until ctx is cancelled. with exampleServerAddr also serves HTTPS from the
// agents' certificates, reloaded as they get renewed
func run(ctx context.Context, configPath string, exampleServerAddr string, logger *log.Logger) error {
	conf, err := readConfig(configPath)
	if err != nil {
		return err
	}

	var certs *tlsreload.Store
	extraHooks := []certagent.Hook{}

	if exampleServerAddr != "" {
		certs = tlsreload.New(logex.Prefix("tlsreload", logger))

		for _, agentConf := range conf.Agents {
			if err := certs.Add(agentConf.CertificatePath, agentConf.KeyPath); err != nil {
				return err
			}
		}

		extraHooks = append(extraHooks, certs.ReloadHook)
	}

	agents, err := makeAgents(conf, false, extraHooks, logger)
	if err != nil {
		return err
	}

	tasks := taskrunner.New(ctx, logger)

	metrics := workflow.MetricsSet{}

	for idx, agent := range agents {
		agent := agent

		metrics = append(metrics, agent.Metrics())

		tasks.Start("agent "+conf.Agents[idx].Identity, func(ctx context.Context) error {
			return agent.Run(ctx)
		})
	}

	if conf.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(metrics); err != nil {
			return err
		}

		httpserver.StartMetrics(tasks, conf.MetricsAddr, registry)
	}

	if certs != nil {
		httpserver.StartExample(tasks, exampleServerAddr, certs)
	}

	return tasks.Wait()
}

type agentStatus struct {
	Identity string                          `json:"identity"`
	Status   certlifecycle.CertificateStatus `json:"status"`
	Decision *certlifecycle.Decision         `json:"decision,omitempty"`
	Error    string                          `json:"error,omitempty"`
}

// what each agent would do right now
func status(ctx context.Context, configPath string, logger *log.Logger) error {
	conf, err := readConfig(configPath)
	if err != nil {
		return err
	}

	agents, err := makeAgents(conf, true, nil, logger)
	if err != nil {
		return err
	}

	statuses := []agentStatus{}

	for idx, agent := range agents {
		item := agentStatus{Identity: conf.Agents[idx].Identity}

		state, err := agent.Evaluate(ctx)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Status = state.Status
			item.Decision = state.Decision
		}

		statuses = append(statuses, item)
	}

	return jsonfile.Marshal(os.Stdout, statuses)
}

// refreshes due CRL caches once. handy from cron when the agents run with fail-closed
func crlUpdate(ctx context.Context, configPath string, logger *log.Logger) error {
	conf, err := readConfig(configPath)
	if err != nil {
		return err
	}

	agents, err := makeAgents(conf, true, nil, logger)
	if err != nil {
		return err
	}

	logl := logex.Levels(logger)

	for idx, agent := range agents {
		identity := conf.Agents[idx].Identity

		if conf.Agents[idx].CRL == nil {
			logl.Debug.Printf("%s: CRL checking not enabled", identity)
			continue
		}

		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		updated := agent.UpdateCRL(ctx)
		cancel()

		logl.Info.Printf("%s: CRL updated=%v", identity, updated)
	}

	return nil
}
