package pushover

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConfigured(t *testing.T) {
	if (Config{}).Configured() {
		t.Fatal("empty config reported configured")
	}
	if (Config{UserKey: "u"}).Configured() {
		t.Fatal("partial config reported configured")
	}
	if !(Config{UserKey: "u", AppToken: "t"}).Configured() {
		t.Fatal("full config reported unconfigured")
	}
}

func TestSendPostsForm(t *testing.T) {
	var form map[string][]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		form = r.PostForm
		w.Write([]byte(`{"status":1,"request":"abc"}`))
	}))
	defer ts.Close()

	c := &Client{
		Config: Config{UserKey: "ukey", AppToken: "atoken"},
		APIURL: ts.URL,
	}
	err := c.Send(Message{Title: "Critical alert", Body: "agent abcd1234 read ~/.aws/credentials", Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if got := form["token"][0]; got != "atoken" {
		t.Fatalf("token = %q", got)
	}
	if got := form["user"][0]; got != "ukey" {
		t.Fatalf("user = %q", got)
	}
	if got := form["title"][0]; got != "Critical alert" {
		t.Fatalf("title = %q", got)
	}
	if got := form["priority"][0]; got != "1" {
		t.Fatalf("priority = %q", got)
	}
}

func TestSendClampsLongMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if len(r.PostForm.Get("message")) > MaxMessageLen {
			t.Error("message not clamped")
		}
		w.Write([]byte(`{"status":1}`))
	}))
	defer ts.Close()

	c := &Client{Config: Config{UserKey: "u", AppToken: "t"}, APIURL: ts.URL}
	if err := c.Send(Message{Title: "t", Body: strings.Repeat("x", 5000)}); err != nil {
		t.Fatal(err)
	}
}

func TestSendAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"errors":["application token is invalid"]}`))
	}))
	defer ts.Close()

	c := &Client{Config: Config{UserKey: "u", AppToken: "bad"}, APIURL: ts.URL}
	err := c.Send(Message{Title: "t", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "application token is invalid") {
		t.Fatalf("err = %v", err)
	}
}

func TestSendUnconfigured(t *testing.T) {
	c := &Client{}
	if err := c.Send(Message{Title: "t", Body: "b"}); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
