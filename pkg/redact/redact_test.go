package redact

import "testing"

func TestMapMasksCredentialKeys(t *testing.T) {
	params := map[string]interface{}{
		"password":      "secret123",
		"api_key":       "key123",
		"accessToken":   "tok123",
		"Authorization": "Bearer abc",
		"client-secret": "s",
		"tilesFetched":  12,
		"region":        "eu-west",
	}

	result := Map(params)

	for _, k := range []string{"password", "api_key", "accessToken", "Authorization", "client-secret"} {
		if result[k] != Mask {
			t.Errorf("%s should be masked, got %v", k, result[k])
		}
	}
	if result["tilesFetched"] != 12 {
		t.Errorf("tilesFetched should be kept, got %v", result["tilesFetched"])
	}
	if result["region"] != "eu-west" {
		t.Errorf("region should be kept, got %v", result["region"])
	}
}

func TestMapWalksNestedValues(t *testing.T) {
	params := map[string]interface{}{
		"provider": map[string]interface{}{
			"name":   "osm",
			"apiKey": "abc",
		},
		"accounts": []interface{}{
			map[string]interface{}{"token": "t1", "id": "a"},
			"plain",
		},
		"headers": map[string]string{"cookie": "c=1", "accept": "json"},
	}

	result := Map(params)

	provider := result["provider"].(map[string]interface{})
	if provider["apiKey"] != Mask || provider["name"] != "osm" {
		t.Fatalf("unexpected nested provider: %v", provider)
	}
	accounts := result["accounts"].([]interface{})
	first := accounts[0].(map[string]interface{})
	if first["token"] != Mask || first["id"] != "a" {
		t.Fatalf("unexpected nested account: %v", first)
	}
	if accounts[1] != "plain" {
		t.Fatalf("expected plain slice value to survive, got %v", accounts[1])
	}
	headers := result["headers"].(map[string]interface{})
	if headers["cookie"] != Mask || headers["accept"] != "json" {
		t.Fatalf("unexpected headers: %v", headers)
	}

	if params["provider"].(map[string]interface{})["apiKey"] != "abc" {
		t.Fatal("input must not be mutated")
	}
}

func TestMapPartialMasking(t *testing.T) {
	result := Map(map[string]interface{}{
		"email":   "ops@example.com",
		"account": "123456789012",
		"short":   "12",
	})

	if result["email"] == "ops@example.com" {
		t.Error("email should be partially masked")
	}
	if got := result["account"].(string); got[:2] != "12" || got[len(got)-2:] != "12" || got == "123456789012" {
		t.Errorf("account should keep only its ends, got %q", got)
	}
	if result["short"] != "12" {
		t.Errorf("short value should be kept, got %v", result["short"])
	}
}

func TestMapNil(t *testing.T) {
	if got := Map(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
