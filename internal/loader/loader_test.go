package loader

import (
	"testing"

	"ipsagent/internal/buffer"
	"ipsagent/internal/model"
)

// bundleS1 mirrors scenario S1 from spec.md §8: one simple signature
// on HTTP_REQUEST_BODY, rule default Detect overridden to Prevent by
// a severity/performance/confidence filter that always matches.
const bundleS1 = `{
  "IPS": {
    "protections": [
      {
        "protectionMetadata": {
          "protectionName": "Test",
          "maintrainId": "101",
          "severity": "Medium High",
          "confidenceLevel": "Low",
          "performanceImpact": "Medium High",
          "lastUpdate": "20210420",
          "tags": [],
          "cveList": []
        },
        "detectionRules": {
          "type": "simple",
          "SSM": "ddd",
          "keywords": "data: \"ddd\";",
          "context": ["HTTP_REQUEST_BODY"]
        }
      }
    ],
    "IpsProtections": [
      {
        "ruleName": "rule1",
        "assetName": "asset1",
        "assetId": "1-1-1",
        "practiceId": "2-2-2",
        "practiceName": "practice1",
        "defaultAction": "Detect",
        "rules": [
          {
            "action": "Prevent",
            "performanceImpact": "High or lower",
            "severityLevel": "Low or above",
            "confidenceLevel": "Low"
          }
        ]
      }
    ]
  }
}`

func TestLoadS1Bundle(t *testing.T) {
	snap, report, err := Load([]byte(bundleS1))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected load errors: %+v", report.Errors)
	}
	if len(snap.Signatures) != 1 {
		t.Fatalf("got %d signatures, want 1", len(snap.Signatures))
	}
	if got := snap.ActionFor("2-2-2", "Test"); got != model.Prevent {
		t.Fatalf("got action %v, want Prevent", got)
	}

	hits := snap.Aggregator.Scan("HTTP_REQUEST_BODY", buffer.FromString("some ddd here"))
	if len(hits) == 0 {
		t.Fatal("expected the SSM anchor to hit on a buffer containing ddd")
	}
}

func TestLoadUnknownRuleDefaultsInactive(t *testing.T) {
	snap, _, err := Load([]byte(bundleS1))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := snap.ActionFor("no-such-practice", "Test"); got != model.Inactive {
		t.Fatalf("got %v, want Inactive for unknown rule", got)
	}
}

func TestLoadBadEnvelopeReturnsBundleParseError(t *testing.T) {
	_, _, err := Load([]byte("not json"))
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var bpe *BundleParseError
	if !asBundleParseError(err, &bpe) {
		t.Fatalf("got %T, want *BundleParseError", err)
	}
}

func TestLoadCollectsPerSignatureErrorsWithoutAborting(t *testing.T) {
	bundle := `{
      "IPS": {
        "protections": [
          { "protectionMetadata": { "protectionName": "Bad", "severity": "NotALevel" },
            "detectionRules": { "type": "simple", "keywords": "", "context": [] } },
          { "protectionMetadata": { "protectionName": "Good", "severity": "Low", "confidenceLevel": "Low", "performanceImpact": "Low" },
            "detectionRules": { "type": "simple", "keywords": "data: \"x\";", "context": ["HTTP_REQUEST_BODY"] } }
        ],
        "IpsProtections": []
      }
    }`
	snap, report, err := Load([]byte(bundle))
	if err != nil {
		t.Fatalf("Load should not fail the whole bundle: %v", err)
	}
	if len(report.Errors) != 1 || report.Errors[0].ProtectionName != "Bad" {
		t.Fatalf("got report %+v, want exactly one error for Bad", report.Errors)
	}
	if len(snap.Signatures) != 1 || snap.Signatures[0].ID() != "Good" {
		t.Fatalf("got signatures %+v, want only Good to load", snap.Signatures)
	}
}

func TestStoreSwap(t *testing.T) {
	snap1, _, _ := Load([]byte(bundleS1))
	store := NewStore(snap1)
	if store.Current() != snap1 {
		t.Fatal("expected Current to return the initial snapshot")
	}
	snap2, _, _ := Load([]byte(bundleS1))
	store.Swap(snap2)
	if store.Current() != snap2 {
		t.Fatal("expected Current to return the swapped snapshot")
	}
}

func asBundleParseError(err error, target **BundleParseError) bool {
	bpe, ok := err.(*BundleParseError)
	if ok {
		*target = bpe
	}
	return ok
}
