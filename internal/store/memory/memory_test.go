package memory

import (
	"testing"

	"github.com/msageha/slawarden/internal/store"
	"github.com/msageha/slawarden/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
