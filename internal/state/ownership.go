package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hop-exchange/bonder-node/internal/kvstore"
)

// Writer identifies the component issuing a patch. Each record field has a fixed set of
// writers; a patch touching any other field is rejected before it reaches the store.
type Writer string

const (
	WriterSync             Writer = "sync"
	WriterBondWithdrawal   Writer = "bondWithdrawal"
	WriterCommitTransfers  Writer = "commitTransfers"
	WriterBondTransferRoot Writer = "bondTransferRoot"
	WriterConfirmRoots     Writer = "confirmRoots"
	WriterSettle           Writer = "settleBondedWithdrawals"
	WriterChallenge        Writer = "challenge"
)

// fieldOwners maps a JSON field to the writers allowed to set it.
type fieldOwners map[string][]Writer

// Transfer fields. Observed facts belong to sync. The flags shared with an acting watcher are
// monotone (see monotoneFields), so concurrent writers can only agree.
var transferOwners = fieldOwners{
	"transferId":                   {WriterSync},
	"token":                        {WriterSync},
	"sourceChainId":                {WriterSync},
	"destinationChainId":           {WriterSync},
	"recipient":                    {WriterSync},
	"amount":                       {WriterSync},
	"bonderFee":                    {WriterSync},
	"amountOutMin":                 {WriterSync},
	"deadline":                     {WriterSync},
	"transferNonce":                {WriterSync},
	"transferSentIndex":            {WriterSync},
	"transferSentTxHash":           {WriterSync},
	"transferSentBlockNumber":      {WriterSync},
	"transferSentBlockHash":        {WriterSync},
	"transferSentLogIndex":         {WriterSync},
	"transferSentTimestamp":        {WriterSync},
	"isBondable":                   {WriterSync},
	"transferRootHash":             {WriterSync},
	"transferRootId":               {WriterSync},
	"withdrawalBonded":             {WriterSync, WriterBondWithdrawal},
	"withdrawalBonder":             {WriterSync, WriterBondWithdrawal},
	"withdrawalBondedTxHash":       {WriterSync, WriterBondWithdrawal},
	"sentBondWithdrawalTxAt":       {WriterBondWithdrawal},
	"withdrawalBondBackoffIndex":   {WriterBondWithdrawal},
	"bondWithdrawalAttemptedAt":    {WriterBondWithdrawal},
	"withdrawalBondTxError":        {WriterBondWithdrawal},
	"withdrawalBondSettled":        {WriterSync, WriterSettle},
	"withdrawalBondSettleTxSentAt": {WriterSettle},
	"withdrawalBondSettleTxHash":   {WriterSettle},
}

var rootOwners = fieldOwners{
	"transferRootId":      {WriterSync},
	"transferRootHash":    {WriterSync},
	"token":               {WriterSync},
	"sourceChainId":       {WriterSync},
	"destinationChainId":  {WriterSync},
	"totalAmount":         {WriterSync},
	"transferIds":         {WriterSync},
	"committed":           {WriterSync},
	"committedAt":         {WriterSync},
	"commitTxHash":        {WriterSync},
	"commitTxBlockNumber": {WriterSync},
	"commitTxLogIndex":    {WriterSync},
	"bonded":              {WriterSync, WriterBondTransferRoot},
	"bondedAt":            {WriterSync},
	"bondTxHash":          {WriterSync},
	"bondBlockNumber":     {WriterSync},
	"bonder":              {WriterSync},
	"sentBondTxAt":        {WriterBondTransferRoot},
	"bondAttemptTxHash":   {WriterBondTransferRoot},
	"confirmed":           {WriterSync},
	"confirmedAt":         {WriterSync},
	"confirmTxHash":       {WriterSync},
	"sentConfirmTxAt":     {WriterConfirmRoots},
	"confirmRelayTxHash":  {WriterConfirmRoots},
	"rootSetTxHashes":     {WriterSync},
	"challenged":          {WriterSync},
	"challengeResolved":   {WriterSync},
	"sentChallengeTxAt":   {WriterChallenge},
	"challengeTxHash":     {WriterChallenge},
	"sentResolveTxAt":     {WriterChallenge},
	"resolveTxHash":       {WriterChallenge},
	"settleAttemptedAt":   {WriterSettle},
	"settleTxHash":        {WriterSettle},
	"allSettled":          {WriterSettle},
}

// monotoneFields are shared flags that may only ever be set to true.
var monotoneFields = map[string]bool{
	"withdrawalBonded":      true,
	"withdrawalBondSettled": true,
	"bonded":                true,
}

// Owners returns the writers allowed to set field on kind ("transfers" or "transferRoots").
func Owners(kind, field string) []Writer {
	var m fieldOwners
	switch kind {
	case TableTransfers:
		m = transferOwners
	case TableTransferRoots:
		m = rootOwners
	}
	return append([]Writer(nil), m[field]...)
}

func (m fieldOwners) check(w Writer, rec kvstore.Record) error {
	var bad []string
	for field, v := range rec {
		if !m.allows(field, w) {
			bad = append(bad, field)
			continue
		}
		if monotoneFields[field] && string(v) != "true" {
			return fmt.Errorf("%w: %s may only be set to true", ErrNonMonotonic, field)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: writer %s cannot set %v", ErrFieldNotOwned, w, bad)
	}
	return nil
}

func (m fieldOwners) allows(field string, w Writer) bool {
	for _, o := range m[field] {
		if o == w {
			return true
		}
	}
	return false
}

func boolField(rec kvstore.Record, field string) (bool, bool) {
	v, ok := rec[field]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, false
	}
	return b, true
}
