package main

import (
	"context"
	"crypto"
	"database/sql"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"beamline-control-plane/backend/internal/audit"
	auditrepo "beamline-control-plane/backend/internal/audit/repository"
	"beamline-control-plane/backend/internal/config"
	"beamline-control-plane/backend/internal/db"
	"beamline-control-plane/backend/internal/lims"
	"beamline-control-plane/backend/internal/network"
	"beamline-control-plane/backend/internal/policy/engine"
	policyrepo "beamline-control-plane/backend/internal/policy/repository"
	"beamline-control-plane/backend/internal/security"
	"beamline-control-plane/backend/internal/server"
	"beamline-control-plane/backend/internal/session/domain"
	sessionrepo "beamline-control-plane/backend/internal/session/repository"
	"beamline-control-plane/backend/internal/session/service"
	"beamline-control-plane/backend/internal/telemetry"
	"beamline-control-plane/backend/internal/telemetry/mqtt"
	telemetryotel "beamline-control-plane/backend/internal/telemetry/otel"
	"beamline-control-plane/backend/internal/telemetry/producer"
)

const serviceName = "beamline-control-plane"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, cfg.BeamlineID, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	var (
		conn      *sql.DB
		store     sessionrepo.Store
		policies  policyrepo.Repository
		auditRepo auditrepo.Repository
	)
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		store = sessionrepo.NewPostgresStore(conn, cfg.BeamlineID)
		policies = policyrepo.NewPostgresRepository(conn)
		auditRepo = auditrepo.NewPostgresRepository(conn)
	} else {
		log.Println("DATABASE_URL not set; sessions are kept in memory")
		store = sessionrepo.NewMemoryStore()
	}

	evaluator := engine.NewOPAEvaluator(policies, engine.Site{
		Beamline:       cfg.BeamlineID,
		InhouseIsStaff: cfg.InhouseIsStaff,
		UserRoles:      cfg.UserRoleMap(),
	})

	hasher := security.NewHasher(cfg.BcryptCost)
	var accounts []lims.Account
	if cfg.LimsAccountsFile != "" {
		accounts, err = lims.LoadAccounts(cfg.LimsAccountsFile)
		if err != nil {
			log.Fatalf("lims: %v", err)
		}
	} else {
		log.Println("LIMS_ACCOUNTS_FILE not set; every login will be rejected")
	}
	provider, err := lims.NewStaticProvider(accounts, hasher)
	if err != nil {
		log.Fatalf("lims: %v", err)
	}

	tokens, err := newTokenProvider(cfg)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	locality, err := network.NewChecker(cfg.LocalNetworksList())
	if err != nil {
		log.Fatalf("network: %v", err)
	}

	emitters := telemetry.Fanout{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	var (
		mqttClient pahomqtt.Client
		resetHook  service.ResetHook
	)
	if cfg.MQTTBrokerURL != "" {
		mqttClient, err = mqtt.Connect(mqtt.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			QoS:       byte(cfg.MQTTQoS),
		})
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		publisher := mqtt.NewPublisher(mqttClient, cfg.BeamlineID, byte(cfg.MQTTQoS))
		emitters = append(emitters, publisher)
		resetHook = publisher
		log.Printf("mqtt: connected to %s", cfg.MQTTBrokerURL)
	}
	var eventLog producer.Producer
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.NotifyKafkaTopic); kp != nil {
		eventLog = kp
		emitters = append(emitters, kp)
	}

	control := service.NewControlService(service.Options{
		Beamline:     cfg.BeamlineID,
		Mode:         domain.ParseLoginMode(cfg.LoginType),
		AllowRemote:  cfg.AllowRemote,
		Lifetime:     cfg.Lifetime(),
		Retention:    cfg.Retention(),
		InhouseUsers: cfg.InhouseList(),
	}, service.Deps{
		Store:    store,
		LIMS:     provider,
		Policy:   evaluator,
		Locality: locality,
		Tokens:   tokens,
		Emitter:  emitters,
		Audit:    audit.NewLogger(cfg.BeamlineID, auditRepo, network.ClientIP),
		Reset:    resetHook,
	})
	if err := control.Restore(ctx); err != nil {
		log.Fatalf("control: %v", err)
	}
	go control.RunSweeper(ctx, cfg.SweepEvery())

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	deps := server.Deps{HealthPolicyChecker: evaluator, Ready: control.Ready}
	if conn != nil {
		deps.HealthPinger = conn
	}
	server.RegisterServices(s, deps)

	go func() {
		log.Printf("gRPC server listening on %s (beamline %s)", cfg.GRPCAddr, cfg.BeamlineID)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("shutting down gRPC server...")
	s.GracefulStop()
	log.Println("gRPC server stopped")

	// Let in-flight async notifications finish before closing their sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if eventLog != nil {
		if err := eventLog.Close(); err != nil {
			log.Printf("kafka: close: %v", err)
		}
	}
	mqtt.Disconnect(mqttClient)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry: shutdown: %v", err)
	}
}

// newTokenProvider loads the configured signing keys, or generates an ephemeral key pair for
// development. Tokens signed with an ephemeral key do not survive a restart.
func newTokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	var (
		signer crypto.Signer
		pub    crypto.PublicKey
		err    error
	)
	if cfg.JWTPrivateKey != "" {
		if signer, err = security.ParsePrivateKey(cfg.JWTPrivateKey); err != nil {
			return nil, err
		}
		if pub, err = security.ParsePublicKey(cfg.JWTPublicKey); err != nil {
			return nil, err
		}
	} else {
		log.Println("JWT keys not set; using an ephemeral signing key")
		if signer, err = security.GenerateEphemeralKey(); err != nil {
			return nil, err
		}
		pub = signer.Public()
	}
	return security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL()), nil
}
