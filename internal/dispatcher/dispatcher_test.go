package dispatcher

import (
	"testing"

	"ipsagent/internal/loader"
	"ipsagent/internal/model"
)

func bundleWithAction(action string) string {
	return `{
      "IPS": {
        "protections": [
          {
            "protectionMetadata": {
              "protectionName": "Test",
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
            "assetId": "1-1-1",
            "practiceId": "2-2-2",
            "defaultAction": "Detect",
            "rules": [
              { "action": "` + action + `", "performanceImpact": "High or lower", "severityLevel": "Low or above", "confidenceLevel": "Low" }
            ]
          }
        ]
      }
    }`
}

func mustLoad(t *testing.T, bundle string) *loader.Snapshot {
	t.Helper()
	snap, report, err := loader.Load([]byte(bundle))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("unexpected load errors: %+v", report.Errors)
	}
	return snap
}

// TestPreventModeDropsOnBodyMatch grounds scenario S1: a context with
// no applicable signature (the URL/header events) never moves the
// verdict off Accept, and the body event carrying the literal anchor
// drops it under a Prevent rule.
func TestPreventModeDropsOnBodyMatch(t *testing.T) {
	snap := mustLoad(t, bundleWithAction("Prevent"))
	tx := New("tx1", snap, "2-2-2")

	if v := tx.NewHttpTransaction("GET", "", "", "/"); v != model.Accept {
		t.Fatalf("got %v after NewHttpTransaction, want Accept", v)
	}
	if v := tx.HttpRequestHeader("key", "val", true); v != model.Accept {
		t.Fatalf("got %v after RequestHeader, want Accept (no signature targets this context)", v)
	}
	if v := tx.HttpRequestBody([]byte("data: ddd"), true); v != model.Drop {
		t.Fatalf("got %v after RequestBody, want Drop", v)
	}
	if v := tx.EndRequest(); v != model.Drop {
		t.Fatalf("got %v after EndRequest, want Drop (monotonic, never backward)", v)
	}

	logs := tx.Logs()
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	if logs[0].ProtectionID != "Test" || logs[0].SignatureVersion != "20210420" {
		t.Fatalf("got log %+v, want protectionId=Test signatureVersion=20210420", logs[0])
	}
}

// TestDetectModeNeverDrops grounds scenario S3: a Detect-action match
// advances to Inspect and holds there, never reaching Drop.
func TestDetectModeNeverDrops(t *testing.T) {
	snap := mustLoad(t, bundleWithAction("Detect"))
	tx := New("tx1", snap, "2-2-2")

	tx.NewHttpTransaction("GET", "", "", "/")
	tx.HttpRequestHeader("key", "val", true)
	if v := tx.HttpRequestBody([]byte("data: ddd"), true); v != model.Inspect {
		t.Fatalf("got %v after RequestBody, want Inspect", v)
	}
	if v := tx.EndRequest(); v != model.Inspect {
		t.Fatalf("got %v after EndRequest, want Inspect to hold", v)
	}
	if len(tx.Logs()) != 1 {
		t.Fatalf("got %d logs, want 1 (Detect still logs)", len(tx.Logs()))
	}
}

// TestInactiveModeNeverInspects grounds scenario S4: an Inactive
// signature never contributes to the verdict at all.
func TestInactiveModeNeverInspects(t *testing.T) {
	snap := mustLoad(t, bundleWithAction("Inactive"))
	tx := New("tx1", snap, "2-2-2")

	tx.NewHttpTransaction("GET", "", "", "/")
	if v := tx.HttpRequestBody([]byte("data: ddd"), true); v != model.Accept {
		t.Fatalf("got %v, want Accept: an Inactive signature must never be evaluated", v)
	}
	if len(tx.Logs()) != 0 {
		t.Fatal("an Inactive signature must never log")
	}
}

// TestYearFilterSuppressesSignature grounds scenario S5.
func TestYearFilterSuppressesSignature(t *testing.T) {
	bundle := `{
      "IPS": {
        "protections": [
          {
            "protectionMetadata": {
              "protectionName": "Test",
              "severity": "Low",
              "confidenceLevel": "Low",
              "performanceImpact": "Low",
              "tags": ["Threat_Year_2014"]
            },
            "detectionRules": { "type": "simple", "SSM": "ddd", "keywords": "data: \"ddd\";", "context": ["HTTP_REQUEST_BODY"] }
          }
        ],
        "IpsProtections": [
          {
            "practiceId": "2-2-2",
            "defaultAction": "Inactive",
            "rules": [
              { "action": "Prevent", "performanceImpact": "High or lower", "severityLevel": "Low or above", "confidenceLevel": "Low", "protectionsFromYear": 2015 }
            ]
          }
        ]
      }
    }`
	snap := mustLoad(t, bundle)
	tx := New("tx1", snap, "2-2-2")
	if v := tx.HttpRequestBody([]byte("ddd"), true); v != model.Accept {
		t.Fatalf("got %v, want Accept: 2014 < 2015 falls through to Inactive default", v)
	}
}

// TestExceptionAcceptOverridesToAcceptWithInfoSeverity grounds
// scenario S6: an accept exception on protectionName overrides a
// Prevent match back to Accept and forces Info severity in the log.
func TestExceptionAcceptOverridesToAcceptWithInfoSeverity(t *testing.T) {
	bundle := `{
      "IPS": {
        "protections": [
          {
            "protectionMetadata": { "protectionName": "Test", "severity": "High", "confidenceLevel": "Low", "performanceImpact": "Low" },
            "detectionRules": { "type": "simple", "SSM": "ddd", "keywords": "data: \"ddd\";", "context": ["HTTP_REQUEST_BODY"] }
          }
        ],
        "IpsProtections": [
          {
            "practiceId": "2-2-2",
            "defaultAction": "Detect",
            "rules": [ { "action": "Prevent", "performanceImpact": "High or lower", "severityLevel": "Low or above", "confidenceLevel": "Low" } ]
          }
        ]
      },
      "rulebase": {
        "exception": [
          {
            "match": { "type": "operator", "op": "and", "items": [
              { "type": "condition", "key": "protectionName", "value": ["Test"] }
            ] },
            "behavior": { "key": "action", "value": "accept" }
          }
        ]
      }
    }`
	snap := mustLoad(t, bundle)
	tx := New("tx1", snap, "2-2-2")
	if v := tx.HttpRequestBody([]byte("ddd"), true); v != model.Accept {
		t.Fatalf("got %v, want Accept: the exception overrides Prevent", v)
	}
	logs := tx.Logs()
	if len(logs) != 1 || logs[0].EventSeverity != model.SeverityInfo {
		t.Fatalf("got logs %+v, want one log with EventSeverity=Info", logs)
	}
}
