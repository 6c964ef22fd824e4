package world

import "fmt"

// The artifact market is price-time priority: an incoming order executes at
// the resting order's price; ties between resting bids break (price desc,
// order id asc), between resting listings (price asc, order id asc).

func applyRegisterArtifact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[RegisterArtifactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if d.WasmHash == "" {
		return "", nil, rejectRule("empty wasm hash"), nil
	}
	if k.artifacts[d.WasmHash] != nil {
		return "", nil, rejectDuplicateID("artifact " + d.WasmHash), nil
	}
	if k.agents[d.Publisher] == nil {
		return "", nil, rejectAgentNotFound(d.Publisher), nil
	}
	k.artifacts[d.WasmHash] = &ModuleArtifact{
		WasmHash:  d.WasmHash,
		Publisher: d.Publisher,
		Identity:  d.Identity,
	}
	return EvArtifactRegistered, &ArtifactRegisteredEvent{
		WasmHash:  d.WasmHash,
		Publisher: d.Publisher,
		Identity:  d.Identity,
	}, nil, nil
}

func applyListArtifact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[ListArtifactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	if k.agents[d.Seller] == nil {
		return "", nil, rejectAgentNotFound(d.Seller), nil
	}
	art := k.artifacts[d.WasmHash]
	if art == nil {
		return "", nil, rejectRule("artifact not found: " + d.WasmHash), nil
	}
	if art.Publisher != d.Seller {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("artifact %s is owned by %s", d.WasmHash, art.Publisher)), nil
	}
	if d.PriceCredits <= 0 {
		return "", nil, rejectInvalidAmount(d.PriceCredits), nil
	}
	for _, l := range k.listings {
		if l.WasmHash == d.WasmHash {
			return "", nil, rejectDuplicateID("listing for artifact " + d.WasmHash), nil
		}
	}

	// Auto-match against the best affordable resting bid.
	if bid := k.bestBid(d.WasmHash, d.PriceCredits); bid != nil {
		payload, err := k.settleSale("", bid.ID, art, d.Seller, bid.Buyer, bid.PriceCredits)
		if err != nil {
			return "", nil, nil, err
		}
		return EvArtifactSold, payload, nil, nil
	}

	orderID, listingID, err := k.nextListingIDs()
	if err != nil {
		return "", nil, nil, err
	}
	k.listings[listingID] = &Listing{
		ID:           listingID,
		Seller:       d.Seller,
		WasmHash:     d.WasmHash,
		PriceCredits: d.PriceCredits,
		OrderID:      orderID,
	}
	return EvArtifactListed, &ArtifactListedEvent{
		ListingID:    listingID,
		Seller:       d.Seller,
		WasmHash:     d.WasmHash,
		PriceCredits: d.PriceCredits,
	}, nil, nil
}

func applyBuyArtifact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[BuyArtifactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	buyer := k.agents[d.Buyer]
	if buyer == nil {
		return "", nil, rejectAgentNotFound(d.Buyer), nil
	}
	l := k.listings[d.ListingID]
	if l == nil {
		return "", nil, rejectRule("listing not found: " + d.ListingID), nil
	}
	if l.Seller == d.Buyer {
		return "", nil, rejectRule("cannot buy own listing"), nil
	}
	if buyer.Credits < l.PriceCredits {
		return "", nil, rejectRule(fmt.Sprintf("insufficient credits: requested %d, available %d", l.PriceCredits, buyer.Credits)), nil
	}
	art := k.artifacts[l.WasmHash]
	if art == nil {
		return "", nil, nil, fmt.Errorf("listing %s references missing artifact %s", l.ID, l.WasmHash)
	}
	payload, err := k.settleSale(l.ID, "", art, l.Seller, d.Buyer, l.PriceCredits)
	if err != nil {
		return "", nil, nil, err
	}
	return EvArtifactSold, payload, nil, nil
}

func applyDelistArtifact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[DelistArtifactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	l := k.listings[d.ListingID]
	if l == nil {
		return "", nil, rejectRule("listing not found: " + d.ListingID), nil
	}
	if l.Seller != d.Seller {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("listing %s belongs to %s", l.ID, l.Seller)), nil
	}
	delete(k.listings, d.ListingID)
	return EvArtifactDelisted, &ArtifactDelistedEvent{ListingID: d.ListingID}, nil, nil
}

func applyPlaceBid(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[PlaceBidData](a)
	if err != nil {
		return "", nil, nil, err
	}
	buyer := k.agents[d.Buyer]
	if buyer == nil {
		return "", nil, rejectAgentNotFound(d.Buyer), nil
	}
	if k.artifacts[d.WasmHash] == nil {
		return "", nil, rejectRule("artifact not found: " + d.WasmHash), nil
	}
	if d.PriceCredits <= 0 {
		return "", nil, rejectInvalidAmount(d.PriceCredits), nil
	}
	for _, b := range k.bids {
		if b.Buyer == d.Buyer && b.WasmHash == d.WasmHash {
			return "", nil, rejectDuplicateID(fmt.Sprintf("bid by %s on %s", d.Buyer, d.WasmHash)), nil
		}
	}

	// Auto-match against the cheapest resting listing at or under the bid.
	if l := k.bestListing(d.WasmHash, d.PriceCredits, d.Buyer); l != nil {
		if buyer.Credits < l.PriceCredits {
			return "", nil, rejectRule(fmt.Sprintf("insufficient credits: requested %d, available %d", l.PriceCredits, buyer.Credits)), nil
		}
		art := k.artifacts[l.WasmHash]
		payload, err := k.settleSale(l.ID, "", art, l.Seller, d.Buyer, l.PriceCredits)
		if err != nil {
			return "", nil, nil, err
		}
		return EvArtifactSold, payload, nil, nil
	}

	orderID, bidID, err := k.nextBidIDs()
	if err != nil {
		return "", nil, nil, err
	}
	k.bids[bidID] = &Bid{
		ID:           bidID,
		Buyer:        d.Buyer,
		WasmHash:     d.WasmHash,
		PriceCredits: d.PriceCredits,
		OrderID:      orderID,
	}
	return EvBidPlaced, &BidPlacedEvent{
		BidID:        bidID,
		Buyer:        d.Buyer,
		WasmHash:     d.WasmHash,
		PriceCredits: d.PriceCredits,
	}, nil, nil
}

func applyCancelBid(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[CancelBidData](a)
	if err != nil {
		return "", nil, nil, err
	}
	b := k.bids[d.BidID]
	if b == nil {
		return "", nil, rejectRule("bid not found: " + d.BidID), nil
	}
	if b.Buyer != d.Buyer {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("bid %s belongs to %s", b.ID, b.Buyer)), nil
	}
	delete(k.bids, d.BidID)
	return EvBidCancelled, &BidCancelledEvent{BidID: d.BidID}, nil, nil
}

func applyDestroyArtifact(k *Kernel, _ string, a Action) (string, any, *RejectReason, error) {
	d, err := payloadAs[DestroyArtifactData](a)
	if err != nil {
		return "", nil, nil, err
	}
	art := k.artifacts[d.WasmHash]
	if art == nil {
		return "", nil, rejectRule("artifact not found: " + d.WasmHash), nil
	}
	if art.Publisher != d.Actor {
		return "", nil, rejectOwnerMismatch(fmt.Sprintf("artifact %s is owned by %s", d.WasmHash, art.Publisher)), nil
	}
	if art.Active {
		return "", nil, rejectRule("artifact is referenced by an active module: " + d.WasmHash), nil
	}
	delete(k.artifacts, d.WasmHash)
	for id, l := range k.listings {
		if l.WasmHash == d.WasmHash {
			delete(k.listings, id)
		}
	}
	for id, b := range k.bids {
		if b.WasmHash == d.WasmHash {
			delete(k.bids, id)
		}
	}
	return EvArtifactDestroyed, &ArtifactDestroyedEvent{WasmHash: d.WasmHash}, nil, nil
}

// SetArtifactActive flips the active-module reference flag. Called by the
// module registry when governance activates/deactivates a module.
func (k *Kernel) SetArtifactActive(wasmHash string, active bool) {
	if art := k.artifacts[wasmHash]; art != nil {
		art.Active = active
	}
}

// bestBid picks the highest affordable resting bid at or above ask,
// (price desc, order id asc).
func (k *Kernel) bestBid(wasmHash string, ask int64) *Bid {
	var best *Bid
	for _, b := range k.bids {
		if b.WasmHash != wasmHash || b.PriceCredits < ask {
			continue
		}
		buyer := k.agents[b.Buyer]
		if buyer == nil || buyer.Credits < b.PriceCredits {
			continue
		}
		if best == nil ||
			b.PriceCredits > best.PriceCredits ||
			(b.PriceCredits == best.PriceCredits && b.OrderID < best.OrderID) {
			best = b
		}
	}
	return best
}

// bestListing picks the cheapest resting listing at or under the bid,
// (price asc, order id asc), skipping the buyer's own listings.
func (k *Kernel) bestListing(wasmHash string, bid int64, buyer string) *Listing {
	var best *Listing
	for _, l := range k.listings {
		if l.WasmHash != wasmHash || l.PriceCredits > bid || l.Seller == buyer {
			continue
		}
		if best == nil ||
			l.PriceCredits < best.PriceCredits ||
			(l.PriceCredits == best.PriceCredits && l.OrderID < best.OrderID) {
			best = l
		}
	}
	return best
}

func (k *Kernel) settleSale(listingID, bidID string, art *ModuleArtifact, seller, buyer string, price int64) (*ArtifactSoldEvent, error) {
	sellerAg := k.agents[seller]
	buyerAg := k.agents[buyer]
	if sellerAg == nil || buyerAg == nil {
		return nil, fmt.Errorf("sale parties missing: seller=%q buyer=%q", seller, buyer)
	}
	if buyerAg.Credits < price {
		return nil, fmt.Errorf("matched buyer %s underfunded: have %d, need %d", buyer, buyerAg.Credits, price)
	}
	buyerAg.Credits -= price
	total, err := addChecked(sellerAg.Credits, price)
	if err != nil {
		return nil, err
	}
	sellerAg.Credits = total
	art.Publisher = buyer
	sales, err := incChecked(art.Sales)
	if err != nil {
		return nil, err
	}
	art.Sales = sales
	if listingID != "" {
		delete(k.listings, listingID)
	}
	if bidID != "" {
		delete(k.bids, bidID)
	}
	return &ArtifactSoldEvent{
		ListingID:    listingID,
		BidID:        bidID,
		WasmHash:     art.WasmHash,
		Seller:       seller,
		Buyer:        buyer,
		PriceCredits: price,
	}, nil
}

func (k *Kernel) nextListingIDs() (uint64, string, error) {
	order, err := incChecked(k.counters.OrderSeq)
	if err != nil {
		return 0, "", err
	}
	k.counters.OrderSeq = order
	seq, err := incChecked(k.counters.ListingSeq)
	if err != nil {
		return 0, "", err
	}
	k.counters.ListingSeq = seq
	return order, fmt.Sprintf("L-%06d", seq), nil
}

func (k *Kernel) nextBidIDs() (uint64, string, error) {
	order, err := incChecked(k.counters.OrderSeq)
	if err != nil {
		return 0, "", err
	}
	k.counters.OrderSeq = order
	seq, err := incChecked(k.counters.BidSeq)
	if err != nil {
		return 0, "", err
	}
	k.counters.BidSeq = seq
	return order, fmt.Sprintf("B-%06d", seq), nil
}
