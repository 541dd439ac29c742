package ledger

import (
	"github.com/google/uuid"
	"go.jetify.com/typeid/v2"
)

const transactionPrefix = "txn"

// newTransactionID returns a K-sortable id such as "txn_01h2xcejqtf2nbrexx3vqjhp41".
func newTransactionID() string {
	tid, err := typeid.Generate(transactionPrefix)
	if err != nil {
		return transactionPrefix + "_" + uuid.NewString()
	}
	return tid.String()
}
