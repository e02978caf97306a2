package fraudproof

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nostrdice/internal/store"
)

// parquetMagic is the 4-byte signature every Parquet file starts (and ends)
// with; used by tests to confirm the writer actually flushed a valid file
// rather than an empty or partial stream.
const parquetMagic = "PAR1"

// betParquetRow is the flat, columnar form of a bet for bulk offline audit
// (spec §4.7's "CLI dump" allowance), grounded on the teacher's
// recon.parquetRow layout: every field is a BYTE_ARRAY/INT32/INT64/BOOLEAN
// primitive, never a nested structure, for maximum compatibility with
// external analytics tooling.
type betParquetRow struct {
	PaymentHash      string `parquet:"name=payment_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	RollerPubkey     string `parquet:"name=roller_pubkey, type=BYTE_ARRAY, convertedtype=UTF8"`
	NonceCommitEvent string `parquet:"name=nonce_commit_event, type=BYTE_ARRAY, convertedtype=UTF8"`
	MultiplierNoteID string `parquet:"name=multiplier_note_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Memo             string `parquet:"name=memo, type=BYTE_ARRAY, convertedtype=UTF8"`
	Index            int32  `parquet:"name=bet_index, type=INT32"`
	State            string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMsat       int64  `parquet:"name=amount_msat, type=INT64"`
	PayoutMsat       int64  `parquet:"name=payout_msat, type=INT64"`
	Roll             int32  `parquet:"name=roll, type=INT32"`
	RollComputed     bool   `parquet:"name=roll_computed, type=BOOLEAN"`
	PaidInvoice      string `parquet:"name=paid_invoice, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentPreimage  string `parquet:"name=payment_preimage, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutInvoice    string `parquet:"name=payout_invoice, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutPreimage   string `parquet:"name=payout_preimage, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt        string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt        string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func betParquetRowFrom(b *store.Bet) betParquetRow {
	return betParquetRow{
		PaymentHash:      hex.EncodeToString(b.PaymentHash[:]),
		RollerPubkey:     hex.EncodeToString(b.RollerPubkey[:]),
		NonceCommitEvent: b.NonceCommitEvent,
		MultiplierNoteID: b.MultiplierNoteID,
		Memo:             b.Memo,
		Index:            int32(b.Index),
		State:            string(b.State),
		AmountMsat:       int64(b.AmountMsat),
		PayoutMsat:       int64(b.PayoutMsat),
		Roll:             int32(b.Roll),
		RollComputed:     b.RollComputed,
		PaidInvoice:      b.Invoice,
		PaymentPreimage:  hex.EncodeToString(b.PaymentPreimage[:]),
		PayoutInvoice:    b.PayoutInvoice,
		PayoutPreimage:   hex.EncodeToString(b.PayoutPreimage[:]),
		CreatedAt:        b.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:        b.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// ExportParquet streams the full bet log as a Snappy-compressed Parquet
// file. It writes to a scratch temp file first (the parquet-go writer needs
// a ReaderAt/Seeker, which an http.ResponseWriter is not) and then copies it
// to the response, exactly the two-step the teacher's recon package performs
// when it writes to local disk before shipping the artefact onward.
func (s *Server) ExportParquet(w http.ResponseWriter, r *http.Request) {
	bets, err := s.bets.ListAllBets(r.Context())
	if err != nil {
		http.Error(w, "failed to list bets", http.StatusInternalServerError)
		return
	}

	tmp, err := os.CreateTemp("", "nostrdice-bets-*.parquet")
	if err != nil {
		http.Error(w, "failed to create export file", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeBetParquet(tmp, bets); err != nil {
		tmp.Close()
		http.Error(w, fmt.Sprintf("failed to write export: %v", err), http.StatusInternalServerError)
		return
	}
	tmp.Close()

	f, err := os.Open(tmpPath)
	if err != nil {
		http.Error(w, "failed to reopen export file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="bets.parquet"`)
	http.ServeContent(w, r, "bets.parquet", fileModTime(f), f)
}

func fileModTime(f *os.File) time.Time {
	info, err := f.Stat()
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func writeBetParquet(file *os.File, bets []*store.Bet) error {
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(betParquetRow), 1)
	if err != nil {
		return fmt.Errorf("fraudproof: parquet schema: %w", err)
	}
	pw.RowGroupSize = 64 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, b := range bets {
		row := betParquetRowFrom(b)
		if err := pw.Write(&row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("fraudproof: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("fraudproof: parquet flush: %w", err)
	}
	return nil
}
