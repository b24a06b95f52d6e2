package archive

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestIsConditionalCheckFailure(t *testing.T) {
	if isConditionalCheckFailure(nil) {
		t.Error("isConditionalCheckFailure(nil) = true, want false")
	}
	if isConditionalCheckFailure(errors.New("boom")) {
		t.Error("isConditionalCheckFailure(generic error) = true, want false")
	}
	ccf := &types.ConditionalCheckFailedException{}
	if !isConditionalCheckFailure(ccf) {
		t.Error("isConditionalCheckFailure(ConditionalCheckFailedException) = false, want true")
	}
	wrapped := fmt.Errorf("put item: %w", ccf)
	if !isConditionalCheckFailure(wrapped) {
		t.Error("isConditionalCheckFailure(wrapped ConditionalCheckFailedException) = false, want true")
	}
}
