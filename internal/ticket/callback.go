package ticket

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"hash"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/stekd/internal/cryptobind"
	"github.com/dropDatabas3/stekd/internal/metrics"
	"github.com/dropDatabas3/stekd/internal/observability/logger"
)

// Outcome es el resultado de una invocación del callback, consumido por
// el engine TLS.
type Outcome int

const (
	// OutcomeError: falló el azar, el store o el binding. El engine cae
	// a handshake completo; nunca se reintenta adentro del callback.
	OutcomeError Outcome = iota
	// OutcomeIssued: hay material para emitir un ticket nuevo.
	OutcomeIssued
	// OutcomeValid: ticket aceptado, sin renovación.
	OutcomeValid
	// OutcomeValidNeedsRenewal: ticket aceptado; el engine debe
	// re-invocar en modo emisión para reemitir bajo la clave vigente.
	OutcomeValidNeedsRenewal
	// OutcomeNotFound: clave desconocida o purgada. Fallback esperado,
	// no un error.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIssued:
		return "issued"
	case OutcomeValid:
		return "valid"
	case OutcomeValidNeedsRenewal:
		return "valid_needs_renewal"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// Material es lo que el engine aplica sobre los bytes del ticket. El
// callback nunca construye ni parsea el wire format.
type Material struct {
	Name KeyName
	IV   []byte

	// Encrypter está presente en emisión; Decrypter en retrieval.
	Encrypter cipher.BlockMode
	Decrypter cipher.BlockMode
	// MAC autentica name||iv||ciphertext (o lo que el engine decida).
	MAC hash.Hash
}

// Callback es la máquina de estados invocada una vez por handshake.
// Sin estado propio entre invocaciones: todo lo compartido vive en el
// Store. Se instala una vez por contexto de servidor y se invoca en
// paralelo desde todos los handshakes en vuelo.
type Callback struct {
	store  Store
	binder cryptobind.Binder
	policy RenewalPolicy

	rand io.Reader
	now  func() time.Time
	log  *zap.Logger
}

// NewCallback arma el callback sobre un store y un binder.
func NewCallback(store Store, binder cryptobind.Binder, policy RenewalPolicy) *Callback {
	if policy.Margin <= 0 {
		policy.Margin = DefaultRenewalMargin
	}
	return &Callback{
		store:  store,
		binder: binder,
		policy: policy,
		rand:   rand.Reader,
		now:    time.Now,
		log:    logger.Named("callback"),
	}
}

// IVSize expone el largo de IV del binder, para que el consumidor
// pueda parsear tickets entrantes.
func (c *Callback) IVSize() int { return c.binder.IVSize() }

// Issue es el modo emisión: IV fresco, clave current, contextos de
// cifrado y MAC. Una transacción; si algo falla no queda estado a
// medias en el store.
func (c *Callback) Issue(ctx context.Context) (Outcome, *Material) {
	iv := make([]byte, c.binder.IVSize())
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		metrics.CallbackErrors.WithLabelValues("random_source").Inc()
		c.log.Error("iv generation failed", logger.Err(err))
		return OutcomeError, nil
	}

	key, err := c.store.CurrentForIssuance(ctx)
	if err != nil {
		metrics.CallbackErrors.WithLabelValues("key_store").Inc()
		c.log.Error("issuance key unavailable", logger.Err(err))
		return OutcomeError, nil
	}

	enc, err := c.binder.BindEncrypt(key.CipherSecret, iv)
	if err != nil {
		return c.bindingFailure(key.Name, err)
	}
	mac, err := c.binder.BindAuth(key.AuthSecret)
	if err != nil {
		return c.bindingFailure(key.Name, err)
	}

	metrics.TicketsIssued.Inc()
	c.log.Debug("ticket material issued", logger.KeyName(key.Name.String()))
	return OutcomeIssued, &Material{
		Name:      key.Name,
		IV:        iv,
		Encrypter: enc,
		MAC:       mac,
	}
}

// Retrieve es el modo retrieval: el engine ya parseó name e IV de un
// ticket entrante y pide el material para validarlo/desencriptarlo.
func (c *Callback) Retrieve(ctx context.Context, name KeyName, iv []byte) (Outcome, *Material) {
	key, ok := c.store.Find(ctx, name)
	if !ok {
		metrics.TicketRetrievals.WithLabelValues("not_found").Inc()
		c.log.Debug("ticket key not found", logger.KeyName(name.String()))
		return OutcomeNotFound, nil
	}

	dec, err := c.binder.BindDecrypt(key.CipherSecret, iv)
	if err != nil {
		metrics.TicketRetrievals.WithLabelValues("error").Inc()
		out, _ := c.bindingFailure(key.Name, err)
		return out, nil
	}
	mac, err := c.binder.BindAuth(key.AuthSecret)
	if err != nil {
		metrics.TicketRetrievals.WithLabelValues("error").Inc()
		out, _ := c.bindingFailure(key.Name, err)
		return out, nil
	}

	outcome := OutcomeValid
	if c.policy.Evaluate(key, c.now()) == RenewalDue {
		outcome = OutcomeValidNeedsRenewal
	}
	metrics.TicketRetrievals.WithLabelValues(outcome.String()).Inc()
	c.log.Debug("ticket key retrieved",
		logger.KeyName(name.String()), logger.Outcome(outcome.String()))
	return outcome, &Material{
		Name:      key.Name,
		IV:        iv,
		Decrypter: dec,
		MAC:       mac,
	}
}

// bindingFailure implica clave corrupta o mismatch de algoritmo; se
// loguea distinto del churn normal porque es un bug de invariantes, no
// operación esperada.
func (c *Callback) bindingFailure(name KeyName, err error) (Outcome, *Material) {
	metrics.CallbackErrors.WithLabelValues("binding").Inc()
	c.log.Error("crypto binding failed, key material corrupt or misconfigured",
		logger.KeyName(name.String()), logger.Err(err))
	return OutcomeError, nil
}
