// Package ingestor is the gateway's Storage SCP: it accepts incoming
// associations, handles C-ECHO and C-STORE, writes received composite
// objects to disk byte-for-byte, and enqueues the catalog job that will
// parse and persist their metadata. It never touches the database itself
// beyond that single enqueue — everything else is the catalog writer's job.
package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/server"
	"github.com/caio-sobreiro/dicomnet/types"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/studyflow/dicomgw/internal/dicomio"
	"github.com/studyflow/dicomgw/internal/metrics"
	"github.com/studyflow/dicomgw/internal/queue"
	"github.com/studyflow/dicomgw/internal/repository"
)

// JobTypeProcessReceivedFile is the job the catalog writer claims after an
// instance has been written to disk.
const JobTypeProcessReceivedFile = "process_received_file"

// ProcessReceivedFilePayload is the JSON body of a process_received_file job.
type ProcessReceivedFilePayload struct {
	FilePath          string `json:"file_path"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SOPClassUID       string `json:"sop_class_uid"`
	TransferSyntaxUID string `json:"transfer_syntax_uid"`
	HasPreamble       bool   `json:"has_preamble"`
	CallingAETitle    string `json:"calling_ae_title"`
	CalledAETitle     string `json:"called_ae_title"`
	SourceIP          string `json:"source_ip"`
	ReceivedAt        string `json:"received_at"`
	ReceiveDurationMs int64  `json:"receive_duration_ms"`
}

// Config configures one Handler.
type Config struct {
	AETitle       string
	ListenAddress string
	StorageRoot   string
}

// Handler implements the dicomnet server handler interfaces for C-ECHO and
// C-STORE. One Handler instance is shared across all associations accepted
// by a single listener.
type Handler struct {
	cfg      Config
	jobs     repository.JobRepository
	notifier *queue.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New constructs a Handler. notifier may be nil (sqlite/dev mode), in which
// case the catalog writer falls back to polling for the job enqueued here.
func New(cfg Config, jobs repository.JobRepository, notifier *queue.Notifier, m *metrics.Metrics, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, jobs: jobs, notifier: notifier, metrics: m, log: log}
}

// Serve blocks accepting associations until ctx is cancelled. instanceID
// names this running instance in log lines only — the supervisor tracks
// lifecycle, not this function.
func (h *Handler) Serve(ctx context.Context, instanceID string) error {
	slogLogger := slog.New(zapslog.NewHandler(h.log.Core(), nil)).With("component", "ingestor", "instance_id", instanceID)
	return server.ListenAndServe(ctx, h.cfg.ListenAddress, h.cfg.AETitle, h, server.WithLogger(slogLogger))
}

// HandleDIMSE answers C-ECHO and C-STORE, the two commands an association
// this gateway accepts is expected to carry. Anything else is refused —
// the gateway is a storage SCP, not a query/retrieve node.
func (h *Handler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case types.CEchoRQ:
		return &types.Message{
			CommandField:              types.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        0x0101,
			Status:                    types.StatusSuccess,
		}, nil, nil

	case types.CStoreRQ:
		return h.handleCStore(ctx, msg, data, meta)

	default:
		h.log.Warn("ingestor: refusing unsupported command", zap.Uint16("command_field", msg.CommandField))
		return &types.Message{
			CommandField:              types.ResponseCommandFor(msg.CommandField),
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        0x0101,
			Status:                    types.StatusFailure,
		}, nil, nil
	}
}

// HandleDIMSEStreaming is required by the server interface but unused: the
// gateway accepts no C-FIND/C-MOVE/C-GET, which are the only commands that
// need the streaming path.
func (h *Handler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	resp, dataset, err := h.HandleDIMSE(ctx, msg, data, meta)
	if err != nil {
		return err
	}
	ts := meta.TransferSyntaxUID
	if ts == "" {
		ts = dicom.TransferSyntaxExplicitVRLittleEndian
	}
	return responder.SendResponse(resp, dataset, ts)
}

func (h *Handler) handleCStore(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	start := time.Now()
	h.metrics.InstancesReceived.Inc()
	h.metrics.BytesReceived.Add(float64(len(data)))

	respStatus := types.StatusSuccess
	if err := h.store(ctx, msg, data, meta, start); err != nil {
		h.log.Error("ingestor: failed to store instance",
			zap.String("sop_instance_uid", msg.AffectedSOPInstanceUID), zap.Error(err))
		h.metrics.InstancesFailed.Inc()
		respStatus = 0x0110 // Processing failure.
	} else {
		h.metrics.InstancesStored.Inc()
	}

	return &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101,
		Status:                    respStatus,
	}, nil, nil
}

func (h *Handler) store(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, receivedAt time.Time) error {
	transferSyntaxUID := meta.TransferSyntaxUID
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ImplicitVRLittleEndian
	}

	studyInstanceUID, sopInstanceUID, sopClassUID, err := dicomio.QuickUIDs(data, transferSyntaxUID)
	if err != nil {
		return fmt.Errorf("ingestor: extract identifiers: %w", err)
	}
	if sopInstanceUID == "" {
		sopInstanceUID = msg.AffectedSOPInstanceUID
	}
	if sopClassUID == "" {
		sopClassUID = msg.AffectedSOPClassUID
	}
	if studyInstanceUID == "" {
		return fmt.Errorf("ingestor: data set carries no Study Instance UID")
	}

	_, hasPreamble, reason := dicomio.Verify(data)
	path := dicomio.StoragePath(h.cfg.StorageRoot, studyInstanceUID, sopInstanceUID)
	if err := dicomio.WriteAtomic(path, data); err != nil {
		return fmt.Errorf("ingestor: write instance: %w", err)
	}
	if reason != "" {
		h.log.Warn("ingestor: stored non-standard object", zap.String("reason", reason), zap.String("path", path))
	}

	payload := ProcessReceivedFilePayload{
		FilePath:          path,
		StudyInstanceUID:  studyInstanceUID,
		SOPInstanceUID:    sopInstanceUID,
		SOPClassUID:       sopClassUID,
		TransferSyntaxUID: transferSyntaxUID,
		HasPreamble:       hasPreamble,
		ReceivedAt:        receivedAt.UTC().Format(time.RFC3339Nano),
		ReceiveDurationMs: time.Since(receivedAt).Milliseconds(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingestor: marshal job payload: %w", err)
	}

	if _, err := h.jobs.Enqueue(ctx, JobTypeProcessReceivedFile, string(body), 0, 3, time.Now()); err != nil {
		return fmt.Errorf("ingestor: enqueue catalog job: %w", err)
	}
	h.metrics.JobsEnqueued.WithLabelValues(JobTypeProcessReceivedFile).Inc()
	if h.notifier != nil {
		h.notifier.Notify(ctx, JobTypeProcessReceivedFile)
	}
	return nil
}
