package xftp

import "testing"

func TestStoreCreatePutGet(t *testing.T) {
	s := NewStore()
	senderKey := [32]byte{1}
	recipKey := [32]byte{2}

	sid, rids, err := s.Create(senderKey, [][32]byte{recipKey})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sid.IsZero() || len(rids) != 1 || rids[0].IsZero() {
		t.Fatalf("Create() returned zero ids: sid=%v rids=%v", sid, rids)
	}

	if _, err := s.Get(rids[0]); err != ErrNotReady {
		t.Fatalf("Get() before Put() = %v, want ErrNotReady", err)
	}

	if err := s.Put(sid, []byte("chunk body")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := s.Put(sid, []byte("second")); err == nil {
		t.Fatal("Put() a second time error = nil, want non-nil")
	}

	body, err := s.Get(rids[0])
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(body) != "chunk body" {
		t.Errorf("Get() = %q, want %q", body, "chunk body")
	}
}

func TestStoreSenderAndRecipientKeys(t *testing.T) {
	s := NewStore()
	senderKey := [32]byte{9}
	recipKey := [32]byte{8}
	sid, rids, err := s.Create(senderKey, [][32]byte{recipKey})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	gotSender, err := s.SenderKey(sid)
	if err != nil || gotSender != senderKey {
		t.Errorf("SenderKey() = %v, %v, want %v, nil", gotSender, err, senderKey)
	}
	gotRecip, err := s.RecipientKey(rids[0])
	if err != nil || gotRecip != recipKey {
		t.Errorf("RecipientKey() = %v, %v, want %v, nil", gotRecip, err, recipKey)
	}

	if _, err := s.SenderKey(rids[0]); err != ErrNotFound {
		t.Errorf("SenderKey(recipient id) = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteRemovesSenderAndRecipients(t *testing.T) {
	s := NewStore()
	sid, rids, err := s.Create([32]byte{1}, [][32]byte{{2}, {3}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Put(sid, []byte("body")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	if err := s.Delete(sid); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.SenderKey(sid); err != ErrNotFound {
		t.Errorf("SenderKey() after Delete() = %v, want ErrNotFound", err)
	}
	for _, rid := range rids {
		if _, err := s.RecipientKey(rid); err != ErrNotFound {
			t.Errorf("RecipientKey(%v) after Delete() = %v, want ErrNotFound", rid, err)
		}
	}
	if err := s.Delete(sid); err != ErrNotFound {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}

func TestStoreAck(t *testing.T) {
	s := NewStore()
	sid, rids, err := s.Create([32]byte{1}, [][32]byte{{2}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Put(sid, []byte("body")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := s.Ack(rids[0]); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if err := s.Ack(rids[0]); err != nil {
		t.Errorf("second Ack() error: %v, want nil (idempotent)", err)
	}
}
